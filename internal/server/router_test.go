package server

import (
	"errors"
	"fmt"
	"testing"

	"github.com/a-essam23/go-relay/internal/directory"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/store"
)

func TestCodeForMapsSentinelErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("join %q: %w", "r1", store.ErrNotAMember), protocol.CodeNotAMember},
		{fmt.Errorf("submit: %w", directory.ErrNotSubscribed), protocol.CodeNotSubscribed},
		{fmt.Errorf("validate: %w", protocol.ErrInvalidPayload), protocol.CodeValidation},
		{fmt.Errorf("check membership: %w", store.ErrPersistence), protocol.CodePersistence},
		{errBadFrame, protocol.CodeBadFrame},
		{errors.New("something unexpected"), protocol.CodeBadFrame},
	}
	for _, tc := range cases {
		if got := codeFor(tc.err); got != tc.want {
			t.Errorf("codeFor(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
