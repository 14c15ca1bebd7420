package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/httputil"
	"github.com/stratumhq/stratum-backend/pkg/messaging"
)

// sudoHeader marks the privileged surface. It is honoured only for
// principals where CanSudo is true; everyone else keeps the plain surface.
const sudoHeader = "X-Stratum-Sudo"

type contextKey struct{}

var systemContextKey contextKey

// claims is the verified bearer token payload. Token issuance lives
// outside this service; the surface only verifies.
type claims struct {
	jwt.RegisteredClaims
	Name   string `json:"name,omitempty"`
	Tenant string `json:"ten"`
	Access string `json:"acc"`
}

// authenticate resolves the caller: token -> principal, tenant claim ->
// namespace handle. The assembled system context rides the request
// context for the handlers.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cl, err := s.verifyToken(r)
		if err != nil {
			httputil.Error(w, err)
			return
		}

		principal, err := principalFromClaims(cl)
		if err != nil {
			httputil.Error(w, err)
			return
		}

		tenant, err := s.tenants.GetTenant(r.Context(), cl.Tenant)
		if err != nil {
			if errors.Code(err) == "RECORD_NOT_FOUND" {
				httputil.Error(w, errors.Unauthorized("tenant "+strings.TrimSpace(cl.Tenant)+" does not exist"))
				return
			}
			httputil.Error(w, err)
			return
		}
		if !tenant.IsActive {
			httputil.Error(w, errors.Forbidden("tenant "+tenant.Name+" is deactivated"))
			return
		}

		db, err := s.adapter.Namespace(tenant.Schema)
		if err != nil {
			httputil.Error(w, err)
			return
		}

		reqID := httputil.GetRequestID(r.Context())
		sc := system.New(tenant.Name, principal, db, s.log.WithRequestID(reqID).WithUserID(principal.ID.String()))
		sc.RequestID = reqID
		sc.Options = parseOptions(r, principal)

		// Events published during the request carry its id end to end.
		ctx := messaging.WithCorrelationID(r.Context(), reqID)
		ctx = context.WithValue(ctx, systemContextKey, sc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) verifyToken(r *http.Request) (*claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errors.Unauthorized("missing bearer token")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, errors.Unauthorized("authorization header must be a bearer token")
	}

	token, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Unauthorized("unexpected token signing method")
		}
		return []byte(s.jwt.Secret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.Unauthorized("invalid or expired token")
	}

	cl, ok := token.Claims.(*claims)
	if !ok {
		return nil, errors.Unauthorized("invalid or expired token")
	}
	return cl, nil
}

func principalFromClaims(cl *claims) (system.Principal, error) {
	id, err := uuid.Parse(cl.Subject)
	if err != nil {
		return system.Principal{}, errors.Unauthorized("token subject is not a user id")
	}

	switch cl.Access {
	case system.AccessRoot, system.AccessFull, system.AccessEdit, system.AccessRead, system.AccessDeny:
	default:
		return system.Principal{}, errors.Unauthorized("token carries an unknown access level")
	}

	if cl.Tenant == "" {
		return system.Principal{}, errors.Unauthorized("token carries no tenant")
	}

	name := cl.Name
	if name == "" {
		name = cl.Subject
	}
	return system.Principal{ID: id, Name: name, Access: cl.Access}, nil
}

// parseOptions reads the per-request modifiers. Elevated is never set
// here; only internal surfaces grant it.
func parseOptions(r *http.Request, principal system.Principal) system.Options {
	opts := system.DefaultOptions()
	q := r.URL.Query()

	switch q.Get("trashed") {
	case system.TrashedInclude:
		opts.Trashed = system.TrashedInclude
	case system.TrashedOnly:
		opts.Trashed = system.TrashedOnly
	}

	if q.Get("stat") == "false" {
		opts.Stat = false
	}
	if q.Get("access") == "false" {
		opts.Access = false
	}
	if q.Get("include_trashed") == "true" {
		opts.IncludeTrashed = true
	}

	if pick := q.Get("pick"); pick != "" {
		for _, attr := range strings.Split(pick, ",") {
			attr = strings.TrimSpace(attr)
			// The wire form addresses the envelope: pick=data.name.
			attr = strings.TrimPrefix(attr, "data.")
			if attr != "" {
				opts.Pick = append(opts.Pick, attr)
			}
		}
	}

	if r.Header.Get(sudoHeader) == "true" && principal.CanSudo() {
		opts.Sudo = true
	}

	return opts
}

// fromRequest returns the system context installed by authenticate.
func fromRequest(r *http.Request) *system.Context {
	sc, _ := r.Context().Value(systemContextKey).(*system.Context)
	return sc
}
