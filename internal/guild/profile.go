package guild

import (
	"context"
	"math/big"
	"net/http"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/DeGuild/deguild-back/internal/store"
	"github.com/DeGuild/deguild-back/pkg/httpx"
)

// Cap on concurrent verify calls; a large certificate catalog must not turn
// into an unbounded burst against the RPC node.
const verifyConcurrency = 8

// setProfile recomputes and persists the caller's reputation level:
// the number of certificate tokens that verify on-chain for the caller, plus
// half the caller's completed-job count on the given DeGuild contract.
func (h *Handler) setProfile(w http.ResponseWriter, r *http.Request) {
	signer, ok := Signer(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}
	var req struct {
		URL     string `json:"url"`
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	certs, err := h.store.ListCertificates(r.Context())
	if err != nil {
		h.log.Error("list certificates failed", "err", err)
		httpx.WriteServerError(w, err)
		return
	}
	verified := h.countVerified(r.Context(), signer, certs)

	completed, err := h.chain.CompletedJobs(r.Context(), common.HexToAddress(req.Address), signer)
	if err != nil {
		h.log.Error("completed-jobs query failed", "contract", req.Address, "taker", signer.Hex(), "err", err)
		httpx.WriteServerError(w, err)
		return
	}
	level := float64(verified) + float64(completed)/2

	profile := store.Profile{Address: signer.Hex(), URL: req.URL, Name: req.Name, Level: level}
	if err := h.store.SetProfile(r.Context(), profile); err != nil {
		h.log.Error("persist profile failed", "address", signer.Hex(), "err", err)
		httpx.WriteServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"url": req.URL, "name": req.Name, "level": level})
}

// countVerified fans out one verify call per certificate token, capped at
// verifyConcurrency. A failed call counts as unverified and is logged with the
// token's identifiers so partial failures stay observable.
func (h *Handler) countVerified(ctx context.Context, user common.Address, certs []store.Certificate) int64 {
	var verified atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(verifyConcurrency)
	for _, cert := range certs {
		cert := cert
		g.Go(func() error {
			ok, err := h.chain.VerifyCertificate(ctx, common.HexToAddress(cert.ContractAddress), user, big.NewInt(cert.TokenID))
			if err != nil {
				h.log.Warn("certificate verification failed, counting as unverified",
					"collection", cert.CollectionID, "tokenId", cert.TokenID, "contract", cert.ContractAddress, "err", err)
				return nil
			}
			if ok {
				verified.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return verified.Load()
}
