package marketplace

import (
	"context"

	"github.com/vesselworks/flotilla/pkg/types"
)

// readOnly wraps the HTTP client when no account credential is
// configured. Reads pass through; authenticated operations fail fast
// with a config error instead of a confusing rejection from the network.
type readOnly struct {
	*HTTPClient
}

func errNoAccount(op string) error {
	return types.E(types.ErrConfig, nil,
		"%s requires a marketplace account credential (marketplace.account_key)", op)
}

func (r *readOnly) Available() bool { return false }

func (r *readOnly) CreateInstance(ctx context.Context, spec CreateSpec) (string, error) {
	return "", errNoAccount("instance creation")
}

func (r *readOnly) ForgetInstance(ctx context.Context, instanceHash, reason string) error {
	return errNoAccount("instance destruction")
}

func (r *readOnly) NotifyStart(ctx context.Context, crnURL, instanceHash string) error {
	return errNoAccount("instance start")
}
