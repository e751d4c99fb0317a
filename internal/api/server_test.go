package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trebuchet-org/treb-relay/internal/adapters/memory"
	"github.com/trebuchet-org/treb-relay/internal/api"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

type stubAccount struct {
	addr common.Address
}

func (a *stubAccount) Address() common.Address { return a.addr }
func (a *stubAccount) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	return tx.Hash(), nil
}
func (a *stubAccount) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}
func (a *stubAccount) SignMessage(msg []byte) ([]byte, error)    { return msg, nil }
func (a *stubAccount) SignTypedData(data []byte) ([]byte, error) { return data, nil }

type stubResolver struct{ acct usecase.Account }

func (r *stubResolver) Resolve(ctx context.Context, chainID uint64, wallet common.Address, account *common.Address) (usecase.Account, error) {
	return r.acct, nil
}

type fixture struct {
	server *api.Server
	store  *memory.Store
	chain  *memory.Chain
	alloc  *memory.Allocator
	jobs   *memory.JobRecorder
}

func newFixture() *fixture {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	chain := memory.NewChain()
	alloc := memory.NewAllocator(chain)
	jobs := memory.NewJobRecorder()
	resolver := &stubResolver{acct: &stubAccount{}}

	server := api.NewServer(api.Usecases{
		Enqueue:   usecase.NewEnqueue(store, memory.NewIdempotency(), chain, jobs, log),
		Status:    usecase.NewStatus(store),
		Retry:     usecase.NewRetry(store, chain, resolver, jobs, log),
		SyncRetry: usecase.NewSyncRetry(store, chain, resolver, log),
		Nonces:    alloc,
		Queue:     jobs,
	}, log)

	return &fixture{server: server, store: store, chain: chain, alloc: alloc, jobs: jobs}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnqueueTransaction(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/v1/transactions", `{
		"chainId": 8453,
		"from": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"to": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"data": "0xabcd",
		"value": "1000"
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	queueID, ok := body["queueId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, queueID)

	tx, err := f.store.Get(context.Background(), queueID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusQueued, tx.GetStatus())
	assert.Len(t, f.jobs.SendJobs, 1)
}

func TestEnqueueIdempotencyKeyHeader(t *testing.T) {
	f := newFixture()
	body := `{
		"chainId": 8453,
		"from": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"to": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	}`
	post := func() string {
		req := httptest.NewRequest(http.MethodPost, "/v1/transactions", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Idempotency-Key", "order-7")
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
		return decodeBody(t, rec)["queueId"].(string)
	}
	first := post()
	second := post()
	assert.Equal(t, first, second)
	assert.Len(t, f.jobs.SendJobs, 1)
}

func TestEnqueueMissingChainID(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/v1/transactions",
		`{"from": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueBadBigInt(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/v1/transactions", `{
		"chainId": 8453,
		"from": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"to": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"value": "not-a-number"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueConflictingOverrides(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/v1/transactions", `{
		"chainId": 8453,
		"from": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"to": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"gasPriceOverride": "1",
		"maxFeeOverride": "1"
	}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetTransaction(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.store.Set(context.Background(), &models.QueuedTransaction{
		TxBase: models.TxBase{QueueID: "q1", ChainID: 8453},
	}))

	rec := f.do(t, http.MethodGet, "/v1/transactions/q1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "q1", body["queueId"])

	rec = f.do(t, http.MethodGet, "/v1/transactions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTransactions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, &models.QueuedTransaction{
		TxBase: models.TxBase{QueueID: "q1", ChainID: 8453},
	}))
	require.NoError(t, f.store.Set(ctx, &models.QueuedTransaction{
		TxBase: models.TxBase{QueueID: "q2", ChainID: 8453},
	}))

	rec := f.do(t, http.MethodGet, "/v1/transactions?status=QUEUED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["transactions"], 2)

	rec = f.do(t, http.MethodGet, "/v1/transactions?status=NONSENSE", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRetryNonErrored(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.store.Set(context.Background(), &models.QueuedTransaction{
		TxBase: models.TxBase{QueueID: "q1", ChainID: 8453},
	}))

	rec := f.do(t, http.MethodPost, "/v1/transactions/q1/retry", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCancelSchedulesJob(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/v1/transactions/q1/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.jobs.CancelJobs, 1)
	assert.Equal(t, "q1", f.jobs.CancelJobs[0].QueueID)
}

func TestNonceEndpoints(t *testing.T) {
	f := newFixture()
	walletHex := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	rec := f.do(t, http.MethodGet, "/v1/nonces/8453/"+walletHex, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 0, body["next"])

	rec = f.do(t, http.MethodGet, "/v1/nonces/8453/"+walletHex+"/audit", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/nonces/8453/"+walletHex+"/sync", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/nonces/8453/"+walletHex+"/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/nonces/not-a-number/"+walletHex, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/nonces/8453/nothex", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
