package guild

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DeGuild/deguild-back/pkg/web3token"
)

type signerKey struct{}

// RequireWeb3Token is the shared authentication gate. It verifies the token in
// the Authorization header exactly once and stores the recovered checksummed
// signer address in the request context. There are no route bypasses and no
// allow-listed addresses; a route either sits behind this gate or it does not.
func (h *Handler) RequireWeb3Token(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			h.log.Error("no web token was passed in the Authorization header")
			http.Error(w, "Unauthorized", http.StatusForbidden)
			return
		}
		tok, err := web3token.Verify(header)
		if err != nil {
			h.log.Error("web token verification failed", "err", err)
			http.Error(w, "Unauthorized", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), signerKey{}, tok.Address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Signer returns the verified caller address placed by RequireWeb3Token.
func Signer(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(signerKey{}).(common.Address)
	return addr, ok
}
