package auth

import "context"

var _ Checker = (*LoginChecker)(nil)
var _ Checker = (*LoginTestChecker)(nil)

type Checker interface {
	Session(ctx context.Context, token string) (*LoginSession, error)
}
