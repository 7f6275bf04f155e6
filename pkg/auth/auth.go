// Package auth authenticates connection upgrade requests.
package auth

import (
	"net/http"

	"github.com/morezero/sockr/pkg/rpc"
	"github.com/morezero/sockr/pkg/semver"
)

// Authenticator decides whether a connection may be accepted. The returned
// identity is attached to the connection and exposed to hooks.
type Authenticator interface {
	Authenticate(r *http.Request) (any, error)
}

// Func adapts a function to Authenticator.
type Func func(r *http.Request) (any, error)

func (f Func) Authenticate(r *http.Request) (any, error) { return f(r) }

// Anybody accepts every connection with a nil identity.
func Anybody() Authenticator {
	return Func(func(*http.Request) (any, error) { return nil, nil })
}

// VersionGate rejects requests whose query parameter param does not satisfy
// gate before delegating to next. A nil gate only delegates.
func VersionGate(gate *semver.Gate, param string, next Authenticator) Authenticator {
	if next == nil {
		next = Anybody()
	}
	if gate == nil {
		return next
	}
	return Func(func(r *http.Request) (any, error) {
		if err := gate.Check(r.URL.Query().Get(param)); err != nil {
			return nil, failure("Unsupported protocol version.", err)
		}
		return next.Authenticate(r)
	})
}

func failure(msg string, err error) error {
	e := rpc.NewError(rpc.NameAuthentication, 401, "%s", msg)
	e.Err = err
	return e
}
