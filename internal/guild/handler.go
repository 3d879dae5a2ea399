// Package guild is the HTTP surface of the DeGuild backend: job registry,
// submission exchange, profile scoring, and the guildmaster's investigation
// endpoint, all behind the shared Web3-token gate.
package guild

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/DeGuild/deguild-back/internal/store"
	"github.com/DeGuild/deguild-back/pkg/chain"
	"github.com/DeGuild/deguild-back/pkg/httpx"
)

// Download URLs expire quickly; the client fetches immediately.
const signedURLTTL = 2 * time.Minute

// Store is the document layer the handlers write through.
type Store interface {
	PutJob(ctx context.Context, j store.Job) error
	GetJob(ctx context.Context, contract string, tokenID int64) (store.Job, error)
	UpdateSubmission(ctx context.Context, contract string, tokenID int64, submission, note string) error
	DeleteJob(ctx context.Context, contract string, tokenID int64) error
	SetProfile(ctx context.Context, p store.Profile) error
	ListCertificates(ctx context.Context) ([]store.Certificate, error)
}

// Files is the object store holding submission archives.
type Files interface {
	Exists(ctx context.Context, key string) (bool, error)
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Handler struct {
	store Store
	files Files
	chain chain.Caller
	log   *slog.Logger
}

func NewHandler(st Store, files Files, caller chain.Caller, log *slog.Logger) *Handler {
	return &Handler{store: st, files: files, chain: caller, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(gr chi.Router) {
		gr.Use(h.RequireWeb3Token)
		gr.Post("/addJob", h.addJob)
		gr.Post("/deleteJob", h.deleteJob)
		gr.Post("/register", h.setProfile)
		gr.Put("/profile", h.setProfile)
		gr.Put("/submit", h.updateSubmission)
		gr.Get("/submission/{address}/{jobId}", h.getSubmission)
		gr.Post("/submission/{address}", h.adminInvestigate)
	})
}

// contractKey canonicalizes a request-supplied contract address into the store
// key, so the same contract never splits across differently-cased paths.
func contractKey(address string) string {
	return common.HexToAddress(address).Hex()
}

func (h *Handler) addJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenID     json.Number `json:"tokenId"`
		Level       json.Number `json:"level"`
		Description string      `json:"description"`
		Title       string      `json:"title"`
		Name        string      `json:"name"`
		Time        string      `json:"time"`
		Address     string      `json:"address"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenID, err := req.TokenID.Int64()
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "tokenId must be an integer")
		return
	}
	level, _ := req.Level.Int64()

	job := store.Job{
		ContractAddress: contractKey(req.Address),
		TokenID:         tokenID,
		Title:           req.Title,
		Level:           level,
		Description:     req.Description,
		Name:            req.Name,
		Submission:      "",
		Note:            "",
		Time:            req.Time,
	}
	if err := h.store.PutJob(r.Context(), job); err != nil {
		h.log.Error("add job failed", "contract", job.ContractAddress, "tokenId", tokenID, "err", err)
		httpx.WriteServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"result": "Successful"})
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string      `json:"address"`
		JobID   json.Number `json:"jobId"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A non-numeric id cannot name a stored job; deleting it is a no-op, the
	// same as deleting an absent record.
	if tokenID, err := req.JobID.Int64(); err == nil {
		if err := h.store.DeleteJob(r.Context(), contractKey(req.Address), tokenID); err != nil {
			h.log.Error("delete job failed", "contract", req.Address, "jobId", tokenID, "err", err)
			httpx.WriteServerError(w, err)
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"result": "Successful", "removed": req.Address})
}

func (h *Handler) updateSubmission(w http.ResponseWriter, r *http.Request) {
	signer, ok := Signer(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}
	var req struct {
		TokenID    json.Number `json:"tokenId"`
		Address    string      `json:"address"`
		Submission string      `json:"submission"`
		Note       string      `json:"note"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenID, err := req.TokenID.Int64()
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "tokenId must be an integer")
		return
	}

	contract := common.HexToAddress(req.Address)
	client, taker, err := h.chain.OwnersOf(r.Context(), contract, big.NewInt(tokenID))
	if err != nil {
		h.log.Error("ownersOf call failed", "contract", contract.Hex(), "tokenId", tokenID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "ERROR")
		return
	}
	if signer != client && signer != taker {
		httpx.WriteError(w, http.StatusForbidden, "Unauthorize")
		return
	}

	if err := h.store.UpdateSubmission(r.Context(), contract.Hex(), tokenID, req.Submission, req.Note); err != nil {
		h.log.Error("update submission failed", "contract", contract.Hex(), "tokenId", tokenID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "ERROR")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"result":  signer.Hex(),
		"name":    []string{client.Hex(), taker.Hex()},
		"message": "Updated",
	})
}

func (h *Handler) getSubmission(w http.ResponseWriter, r *http.Request) {
	signer, ok := Signer(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}
	contract := common.HexToAddress(chi.URLParam(r, "address"))
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobId"), 10, 64)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "Job not found!")
		return
	}

	job, err := h.store.GetJob(r.Context(), contract.Hex(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "Job not found!")
		return
	}
	if err != nil {
		h.log.Error("read job failed", "contract", contract.Hex(), "jobId", jobID, "err", err)
		httpx.WriteServerError(w, err)
		return
	}

	client, _, err := h.chain.OwnersOf(r.Context(), contract, big.NewInt(jobID))
	if err != nil {
		h.log.Error("ownersOf call failed", "contract", contract.Hex(), "jobId", jobID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "ERROR")
		return
	}
	// Only the job's client may read the taker's submission.
	if signer != client {
		httpx.WriteError(w, http.StatusForbidden, "Unauthorize")
		return
	}

	url, err := h.files.SignedURL(r.Context(), job.Submission, signedURLTTL)
	if err != nil {
		h.log.Error("sign download url failed", "key", job.Submission, "err", err)
		httpx.WriteServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"result": url})
}

func (h *Handler) adminInvestigate(w http.ResponseWriter, r *http.Request) {
	signer, ok := Signer(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}
	contract := common.HexToAddress(chi.URLParam(r, "address"))
	var req struct {
		AddressTaker string `json:"addressTaker"`
		Title        string `json:"title"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner, err := h.chain.Owner(r.Context(), contract)
	if err != nil {
		h.log.Error("owner call failed", "contract", contract.Hex(), "err", err)
		httpx.WriteServerError(w, err)
		return
	}
	if signer != owner {
		httpx.WriteError(w, http.StatusForbidden, "You are not the guildmaster!")
		return
	}

	// The front-end uploads submission archives under this exact convention.
	key := "zipfile/" + req.AddressTaker + "/" + req.Title + "-submission"
	exists, err := h.files.Exists(r.Context(), key)
	if err != nil {
		h.log.Error("stat submission archive failed", "key", key, "err", err)
		httpx.WriteServerError(w, err)
		return
	}
	if !exists {
		httpx.WriteError(w, http.StatusNotFound, "no file")
		return
	}

	url, err := h.files.SignedURL(r.Context(), key, signedURLTTL)
	if err != nil {
		h.log.Error("sign download url failed", "key", key, "err", err)
		httpx.WriteServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"result": url})
}
