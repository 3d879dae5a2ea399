package guild

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeGuild/deguild-back/internal/store"
	"github.com/DeGuild/deguild-back/pkg/web3token"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type jobKey struct {
	contract string
	tokenID  int64
}

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[jobKey]store.Job
	profiles map[string]store.Profile
	certs    []store.Certificate
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[jobKey]store.Job{}, profiles: map[string]store.Profile{}}
}

func (f *fakeStore) PutJob(_ context.Context, j store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobKey{j.ContractAddress, j.TokenID}] = j
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, contract string, tokenID int64) (store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobKey{contract, tokenID}]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) UpdateSubmission(_ context.Context, contract string, tokenID int64, submission, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobKey{contract, tokenID}]
	if !ok {
		return store.ErrNotFound
	}
	j.Submission, j.Note = submission, note
	f.jobs[jobKey{contract, tokenID}] = j
	return nil
}

func (f *fakeStore) DeleteJob(_ context.Context, contract string, tokenID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobKey{contract, tokenID})
	return nil
}

func (f *fakeStore) SetProfile(_ context.Context, p store.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.Address] = p
	return nil
}

func (f *fakeStore) ListCertificates(_ context.Context) ([]store.Certificate, error) {
	return f.certs, nil
}

func (f *fakeStore) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs) + len(f.profiles)
}

type fakeChain struct {
	client, taker common.Address
	owner         common.Address
	ownersErr     error
	ownerErr      error

	verified    map[int64]bool
	verifyErrs  map[int64]error
	completed   int
	completeErr error
}

func (f *fakeChain) OwnersOf(_ context.Context, _ common.Address, _ *big.Int) (common.Address, common.Address, error) {
	return f.client, f.taker, f.ownersErr
}

func (f *fakeChain) VerifyCertificate(_ context.Context, _ common.Address, _ common.Address, tokenID *big.Int) (bool, error) {
	if err := f.verifyErrs[tokenID.Int64()]; err != nil {
		return false, err
	}
	return f.verified[tokenID.Int64()], nil
}

func (f *fakeChain) Owner(_ context.Context, _ common.Address) (common.Address, error) {
	return f.owner, f.ownerErr
}

func (f *fakeChain) CompletedJobs(_ context.Context, _ common.Address, _ common.Address) (int, error) {
	return f.completed, f.completeErr
}

type fakeFiles struct {
	existing map[string]bool
}

func (f *fakeFiles) Exists(_ context.Context, key string) (bool, error) {
	return f.existing[key], nil
}

func (f *fakeFiles) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://files.test/signed/" + key, nil
}

type env struct {
	store  *fakeStore
	chain  *fakeChain
	files  *fakeFiles
	srv    *httptest.Server
	key    *ecdsa.PrivateKey
	signer common.Address
	token  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	token, err := web3token.Sign(key, "deguild test", time.Hour)
	require.NoError(t, err)

	e := &env{
		store:  newFakeStore(),
		chain:  &fakeChain{verified: map[int64]bool{}, verifyErrs: map[int64]error{}},
		files:  &fakeFiles{existing: map[string]bool{}},
		key:    key,
		signer: crypto.PubkeyToAddress(key.PublicKey),
		token:  token,
	}
	h := NewHandler(e.store, e.files, e.chain, discardLogger())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	e.srv = httptest.NewServer(r)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, payload)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

const testContract = "0x00000000000000000000000000000000deadbeef"

func TestGateRejectsRequestsWithoutValidToken(t *testing.T) {
	e := newEnv(t)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/addJob"},
		{http.MethodPost, "/deleteJob"},
		{http.MethodPost, "/register"},
		{http.MethodPut, "/profile"},
		{http.MethodPut, "/submit"},
		{http.MethodGet, "/submission/" + testContract + "/1"},
		{http.MethodPost, "/submission/" + testContract},
	}
	for _, rt := range routes {
		for _, token := range []string{"", "garbage-token"} {
			resp, _ := e.do(t, rt.method, rt.path, token, map[string]any{})
			assert.Equal(t, http.StatusForbidden, resp.StatusCode, "%s %s token=%q", rt.method, rt.path, token)
		}
	}
	assert.Zero(t, e.store.mutations(), "gated routes must not mutate the store")
}

func TestGateRejectsExpiredToken(t *testing.T) {
	e := newEnv(t)
	expired, err := web3token.Sign(e.key, "", -time.Minute)
	require.NoError(t, err)
	resp, _ := e.do(t, http.MethodPost, "/addJob", expired, map[string]any{"tokenId": 1, "address": testContract})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, e.store.mutations())
}

func TestAddJobRoundTrip(t *testing.T) {
	e := newEnv(t)

	// tokenId arrives as a string from the web app; it must be stored as an
	// integer.
	resp, body := e.do(t, http.MethodPost, "/addJob", e.token, map[string]any{
		"tokenId":     "42",
		"level":       3,
		"description": "audit the treasury",
		"title":       "Treasury audit",
		"name":        "guildmaster",
		"time":        "2021-11-02T09:00:00Z",
		"address":     testContract,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Successful", body["result"])

	job, err := e.store.GetJob(context.Background(), common.HexToAddress(testContract).Hex(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), job.TokenID)
	assert.Equal(t, "Treasury audit", job.Title)
	assert.Equal(t, int64(3), job.Level)
	assert.Equal(t, "audit the treasury", job.Description)
	assert.Equal(t, "guildmaster", job.Name)
	assert.Equal(t, "2021-11-02T09:00:00Z", job.Time)
	assert.Empty(t, job.Submission)
	assert.Empty(t, job.Note)
}

func TestAddJobOverwritesExistingToken(t *testing.T) {
	e := newEnv(t)
	for _, title := range []string{"first", "second"} {
		resp, _ := e.do(t, http.MethodPost, "/addJob", e.token, map[string]any{
			"tokenId": 7, "title": title, "address": testContract,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	require.Len(t, e.store.jobs, 1, "repost must overwrite, not duplicate")
	job, err := e.store.GetJob(context.Background(), common.HexToAddress(testContract).Hex(), 7)
	require.NoError(t, err)
	assert.Equal(t, "second", job.Title)
}

func TestDeleteJob(t *testing.T) {
	e := newEnv(t)
	contract := common.HexToAddress(testContract).Hex()
	require.NoError(t, e.store.PutJob(context.Background(), store.Job{ContractAddress: contract, TokenID: 9}))

	resp, body := e.do(t, http.MethodPost, "/deleteJob", e.token, map[string]any{
		"address": testContract, "jobId": "9",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Successful", body["result"])
	assert.Equal(t, testContract, body["removed"])

	_, err := e.store.GetJob(context.Background(), contract, 9)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSubmissionAuthorization(t *testing.T) {
	clientKey, _ := crypto.GenerateKey()
	takerKey, _ := crypto.GenerateKey()
	strangerKey, _ := crypto.GenerateKey()

	cases := []struct {
		name       string
		key        *ecdsa.PrivateKey
		wantStatus int
		wantWrite  bool
	}{
		{"client may submit", clientKey, http.StatusOK, true},
		{"taker may submit", takerKey, http.StatusOK, true},
		{"stranger is rejected", strangerKey, http.StatusForbidden, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.chain.client = crypto.PubkeyToAddress(clientKey.PublicKey)
			e.chain.taker = crypto.PubkeyToAddress(takerKey.PublicKey)
			contract := common.HexToAddress(testContract).Hex()
			require.NoError(t, e.store.PutJob(context.Background(), store.Job{ContractAddress: contract, TokenID: 5}))

			token, err := web3token.Sign(tc.key, "", time.Hour)
			require.NoError(t, err)
			resp, body := e.do(t, http.MethodPut, "/submit", token, map[string]any{
				"tokenId": 5, "address": testContract,
				"submission": "zipfile/x/y-submission", "note": "done",
			})
			require.Equal(t, tc.wantStatus, resp.StatusCode)

			job, getErr := e.store.GetJob(context.Background(), contract, 5)
			require.NoError(t, getErr)
			if tc.wantWrite {
				assert.Equal(t, "Updated", body["message"])
				assert.Equal(t, crypto.PubkeyToAddress(tc.key.PublicKey).Hex(), body["result"])
				assert.Equal(t, "zipfile/x/y-submission", job.Submission)
				assert.Equal(t, "done", job.Note)
			} else {
				assert.Equal(t, "Unauthorize", body["message"])
				assert.Empty(t, job.Submission, "rejected request must not mutate")
			}
		})
	}
}

func TestUpdateSubmissionChainError(t *testing.T) {
	e := newEnv(t)
	e.chain.ownersErr = errors.New("rpc unreachable")
	resp, body := e.do(t, http.MethodPut, "/submit", e.token, map[string]any{
		"tokenId": 5, "address": testContract, "submission": "s", "note": "n",
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "ERROR", body["message"])
}

func TestGetSubmission(t *testing.T) {
	e := newEnv(t)
	e.chain.client = e.signer
	contract := common.HexToAddress(testContract).Hex()

	// Absent record.
	resp, body := e.do(t, http.MethodGet, "/submission/"+testContract+"/3", e.token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Job not found!", body["message"])

	require.NoError(t, e.store.PutJob(context.Background(), store.Job{
		ContractAddress: contract, TokenID: 3, Submission: "zipfile/taker/Treasury audit-submission",
	}))

	// Signer is the job's client: short-lived download URL.
	resp, body = e.do(t, http.MethodGet, "/submission/"+testContract+"/3", e.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://files.test/signed/zipfile/taker/Treasury audit-submission", body["result"])

	// Verified signer who is not the client gets an explicit 403.
	strangerKey, _ := crypto.GenerateKey()
	strangerToken, err := web3token.Sign(strangerKey, "", time.Hour)
	require.NoError(t, err)
	resp, body = e.do(t, http.MethodGet, "/submission/"+testContract+"/3", strangerToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Unauthorize", body["message"])
}

func TestAdminInvestigate(t *testing.T) {
	e := newEnv(t)
	e.chain.owner = e.signer
	taker := "0x00000000000000000000000000000000000000aa"
	key := "zipfile/" + taker + "/Treasury audit-submission"

	// Archive missing.
	resp, body := e.do(t, http.MethodPost, "/submission/"+testContract, e.token, map[string]any{
		"addressTaker": taker, "title": "Treasury audit",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no file", body["message"])

	e.files.existing[key] = true
	resp, body = e.do(t, http.MethodPost, "/submission/"+testContract, e.token, map[string]any{
		"addressTaker": taker, "title": "Treasury audit",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://files.test/signed/"+key, body["result"])
}

func TestAdminInvestigateWrongOwner(t *testing.T) {
	e := newEnv(t)
	e.chain.owner = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	resp, body := e.do(t, http.MethodPost, "/submission/"+testContract, e.token, map[string]any{
		"addressTaker": "0x00000000000000000000000000000000000000aa", "title": "t",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "You are not the guildmaster!", body["message"])
}

func TestAdminInvestigateOwnerCallError(t *testing.T) {
	e := newEnv(t)
	e.chain.ownerErr = fmt.Errorf("rpc unreachable")
	resp, _ := e.do(t, http.MethodPost, "/submission/"+testContract, e.token, map[string]any{
		"addressTaker": "0x00000000000000000000000000000000000000aa", "title": "t",
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
