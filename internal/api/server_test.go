package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/orchestrator"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/store"
	"github.com/minirag/minirag/internal/testutil"
	"github.com/minirag/minirag/internal/vecindex"
)

// captureQueue records enqueued jobs instead of hitting the database.
type captureQueue struct {
	mu   sync.Mutex
	jobs []capturedJob
}

type capturedJob struct {
	Kind    string
	Payload any
}

func (q *captureQueue) Enqueue(_ context.Context, kind string, payload any) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, capturedJob{Kind: kind, Payload: payload})
	return uuid.New(), nil
}

func (q *captureQueue) all() []capturedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]capturedJob(nil), q.jobs...)
}

type apiEnv struct {
	ts        *httptest.Server
	store     *store.Store
	index     *vecindex.Index
	queue     *captureQueue
	embedder  *testutil.MockEmbedder
	completer *testutil.MockCompleter
	token     string
	tenantID  uuid.UUID
	profileID uuid.UUID
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	tdb := testutil.SetupTestDB(t)
	logger := log.NewNop()

	st, err := store.New(tdb.Pool, logger)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	index, err := vecindex.New(tdb.Pool, logger)
	if err != nil {
		t.Fatalf("creating index: %v", err)
	}
	if err := index.EnsureCollection(ctx, 1536); err != nil {
		t.Fatalf("ensuring collection: %v", err)
	}

	embedder := testutil.NewMockEmbedder(1536)
	completer := testutil.NewMockCompleter("I cannot help with that.")
	orch, err := orchestrator.New(embedder, completer, index, orchestrator.Options{}, logger)
	if err != nil {
		t.Fatalf("creating orchestrator: %v", err)
	}

	q := &captureQueue{}
	srv, err := NewServer(Config{
		Store:  st,
		Queue:  q,
		Runner: orch,
		Logger: logger,
		Pool:   tdb.Pool,
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	tenant, err := st.CreateTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("creating tenant: %v", err)
	}
	token := "test-token-" + uuid.New().String()
	if err := st.CreateAPIToken(ctx, tenant.ID, HashToken(token), "test"); err != nil {
		t.Fatalf("creating API token: %v", err)
	}

	profile := &store.BotProfile{
		TenantID:     tenant.ID,
		Name:         "support bot",
		Model:        "gpt-4o-mini",
		SystemPrompt: "You answer questions about the product.",
		Temperature:  0.2,
		MaxTokens:    256,
	}
	if err := st.CreateBotProfile(ctx, profile); err != nil {
		t.Fatalf("creating bot profile: %v", err)
	}

	return &apiEnv{
		ts:        ts,
		store:     st,
		index:     index,
		queue:     q,
		embedder:  embedder,
		completer: completer,
		token:     token,
		tenantID:  tenant.ID,
		profileID: profile.ID,
	}
}

// do performs an authenticated JSON request against the test server.
func (env *apiEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, env.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return resp, data
}

func decodeBody(t *testing.T, data []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("decoding response %s: %v", data, err)
	}
}

func TestBotProfileEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	t.Run("requires auth", func(t *testing.T) {
		resp, err := http.Get(env.ts.URL + "/api/v1/bot-profiles")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
		}

		req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/v1/bot-profiles", nil)
		req.Header.Set("Authorization", "Bearer not-a-real-token")
		resp2, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusUnauthorized {
			t.Errorf("status with bad token = %d, want %d", resp2.StatusCode, http.StatusUnauthorized)
		}
	})

	t.Run("health needs no auth", func(t *testing.T) {
		resp, err := http.Get(env.ts.URL + "/health")
		if err != nil {
			t.Fatalf("GET /health: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
		}

		ready, err := http.Get(env.ts.URL + "/ready")
		if err != nil {
			t.Fatalf("GET /ready: %v", err)
		}
		defer ready.Body.Close()
		if ready.StatusCode != http.StatusOK {
			t.Errorf("ready status = %d, want %d", ready.StatusCode, http.StatusOK)
		}
	})

	var created botProfileView
	t.Run("create", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/v1/bot-profiles", map[string]any{
			"name":          "sales bot",
			"model":         "gpt-4o",
			"system_prompt": "You sell things.",
			"temperature":   0.5,
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}
		decodeBody(t, body, &created)
		if created.Name != "sales bot" || created.Model != "gpt-4o" {
			t.Errorf("created = %+v", created)
		}
		if created.MaxTokens != 1024 {
			t.Errorf("default max_tokens = %d, want 1024", created.MaxTokens)
		}
	})

	t.Run("rejects bad temperature", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/v1/bot-profiles", map[string]any{
			"name":        "bad",
			"model":       "gpt-4o",
			"temperature": 3.5,
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("update and get", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPatch, "/api/v1/bot-profiles/"+created.ID.String(), map[string]any{
			"system_prompt": "You sell upgrades.",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("patch status = %d, body %s", resp.StatusCode, body)
		}

		resp, body = env.do(t, http.MethodGet, "/api/v1/bot-profiles/"+created.ID.String(), nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get status = %d", resp.StatusCode)
		}
		var got botProfileView
		decodeBody(t, body, &got)
		if got.SystemPrompt != "You sell upgrades." {
			t.Errorf("system prompt = %q after patch", got.SystemPrompt)
		}
		if got.Name != "sales bot" {
			t.Errorf("name = %q, patch must not touch it", got.Name)
		}
	})

	t.Run("delete hides profile", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodDelete, "/api/v1/bot-profiles/"+created.ID.String(), nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete status = %d", resp.StatusCode)
		}
		resp, _ = env.do(t, http.MethodGet, "/api/v1/bot-profiles/"+created.ID.String(), nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("get after delete status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})
}

func TestSourceEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	var created sourceView
	t.Run("create text source", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/v1/sources", map[string]any{
			"bot_profile_id": env.profileID,
			"name":           "product FAQ",
			"source_type":    "text",
			"content":        "Q: How do I reset my password? A: Use the settings page.",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}
		decodeBody(t, body, &created)
		if created.Status != "pending" {
			t.Errorf("status = %q, want pending", created.Status)
		}
	})

	t.Run("unknown bot profile is 404", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/v1/sources", map[string]any{
			"bot_profile_id": uuid.New(),
			"name":           "orphan",
			"source_type":    "text",
		})
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("patch updates metadata only", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPatch, "/api/v1/sources/"+created.ID.String(), map[string]any{
			"name":             "product FAQ v2",
			"refresh_schedule": "daily",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}
		var got sourceView
		decodeBody(t, body, &got)
		if got.Name != "product FAQ v2" {
			t.Errorf("name = %q", got.Name)
		}
		if got.RefreshSchedule != "daily" {
			t.Errorf("refresh_schedule = %q", got.RefreshSchedule)
		}
		if got.Status != "pending" {
			t.Errorf("status = %q, patch must not change it", got.Status)
		}
	})

	t.Run("ingest enqueues a job", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/v1/sources/"+created.ID.String()+"/ingest", nil)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}

		jobs := env.queue.all()
		if len(jobs) != 1 {
			t.Fatalf("enqueued %d jobs, want 1", len(jobs))
		}
		if jobs[0].Kind != queue.KindIngestSource {
			t.Errorf("job kind = %q", jobs[0].Kind)
		}
		payload, ok := jobs[0].Payload.(queue.IngestPayload)
		if !ok {
			t.Fatalf("payload type = %T", jobs[0].Payload)
		}
		if payload.SourceID != created.ID || payload.TenantID != env.tenantID {
			t.Errorf("payload = %+v", payload)
		}
	})

	t.Run("ingest while processing is 409", func(t *testing.T) {
		if err := env.store.MarkSourceProcessing(ctx, env.tenantID, created.ID); err != nil {
			t.Fatalf("marking processing: %v", err)
		}
		resp, _ := env.do(t, http.MethodPost, "/api/v1/sources/"+created.ID.String()+"/ingest", nil)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
		}
	})

	t.Run("delete then 404", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodDelete, "/api/v1/sources/"+created.ID.String(), nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete status = %d", resp.StatusCode)
		}
		resp, _ = env.do(t, http.MethodGet, "/api/v1/sources/"+created.ID.String(), nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("get after delete = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})
}

func TestSourceBatchAndAggregation(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	resp, body := env.do(t, http.MethodPost, "/api/v1/sources/batch", map[string]any{
		"bot_profile_id": env.profileID,
		"parent":         map[string]any{"name": "docs site"},
		"children": []map[string]any{
			{"name": "page one", "source_type": "text", "content": "first page text"},
			{"name": "page two", "source_type": "text", "content": "second page text"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("batch status = %d, body %s", resp.StatusCode, body)
	}

	var batch struct {
		Parent   sourceView   `json:"parent"`
		Children []sourceView `json:"children"`
		Enqueued int          `json:"enqueued"`
	}
	decodeBody(t, body, &batch)
	if len(batch.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(batch.Children))
	}
	if batch.Enqueued != 2 {
		t.Errorf("enqueued = %d, want 2", batch.Enqueued)
	}

	parentPath := "/api/v1/sources/" + batch.Parent.ID.String()
	fetchParent := func() sourceView {
		resp, body := env.do(t, http.MethodGet, parentPath, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get parent status = %d", resp.StatusCode)
		}
		var v sourceView
		decodeBody(t, body, &v)
		return v
	}

	t.Run("pending children aggregate to pending", func(t *testing.T) {
		if got := fetchParent(); got.Status != "pending" {
			t.Errorf("parent status = %q, want pending", got.Status)
		}
	})

	t.Run("processing child wins", func(t *testing.T) {
		if err := env.store.MarkSourceProcessing(ctx, env.tenantID, batch.Children[0].ID); err != nil {
			t.Fatalf("marking processing: %v", err)
		}
		if got := fetchParent(); got.Status != "processing" {
			t.Errorf("parent status = %q, want processing", got.Status)
		}
	})

	t.Run("errored child beats pending", func(t *testing.T) {
		if err := env.store.MarkSourceError(ctx, env.tenantID, batch.Children[0].ID, "fetch failed"); err != nil {
			t.Fatalf("marking error: %v", err)
		}
		if got := fetchParent(); got.Status != "error" {
			t.Errorf("parent status = %q, want error", got.Status)
		}
	})

	t.Run("all ready sums counters", func(t *testing.T) {
		for i, child := range batch.Children {
			doc := &store.Document{
				TenantID:   env.tenantID,
				SourceID:   child.ID,
				Title:      child.Name,
				RawContent: "content",
				CharCount:  7,
			}
			if err := env.store.InsertDocument(ctx, doc); err != nil {
				t.Fatalf("inserting document: %v", err)
			}
			chunks := make([]store.Chunk, i+1)
			for j := range chunks {
				chunks[j] = store.Chunk{
					ID:         uuid.New(),
					ChunkIndex: j,
					Content:    fmt.Sprintf("chunk %d", j),
					CharCount:  7,
					PointID:    uuid.New(),
				}
			}
			if err := env.store.CompleteIngestion(ctx, store.CompleteIngestionParams{
				TenantID:   env.tenantID,
				SourceID:   child.ID,
				DocumentID: doc.ID,
				Chunks:     chunks,
			}); err != nil {
				t.Fatalf("completing ingestion: %v", err)
			}
		}

		got := fetchParent()
		if got.Status != "ready" {
			t.Errorf("parent status = %q, want ready", got.Status)
		}
		if got.DocumentCount != 2 {
			t.Errorf("document_count = %d, want 2", got.DocumentCount)
		}
		if got.ChunkCount != 3 {
			t.Errorf("chunk_count = %d, want 3", got.ChunkCount)
		}
		if got.ChildCount != 2 {
			t.Errorf("child_count = %d, want 2", got.ChildCount)
		}
	})

	t.Run("children listing", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, parentPath+"/children", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var got struct {
			Children []sourceView `json:"children"`
		}
		decodeBody(t, body, &got)
		if len(got.Children) != 2 {
			t.Errorf("children = %d, want 2", len(got.Children))
		}
	})

	t.Run("grandchild rejected", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/v1/sources", map[string]any{
			"bot_profile_id": env.profileID,
			"parent_id":      batch.Children[0].ID,
			"name":           "too deep",
			"source_type":    "text",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})
}

func TestSourceUpload(t *testing.T) {
	env := newAPIEnv(t)

	upload := func(t *testing.T, filename, content string) (*http.Response, []byte) {
		t.Helper()

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := mw.WriteField("bot_profile_id", env.profileID.String()); err != nil {
			t.Fatalf("writing field: %v", err)
		}
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("creating form file: %v", err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("writing file: %v", err)
		}
		mw.Close()

		req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/v1/sources/upload", &buf)
		if err != nil {
			t.Fatalf("building request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+env.token)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST upload: %v", err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp, data
	}

	t.Run("text file", func(t *testing.T) {
		resp, body := upload(t, "notes.md", "# Notes\n\nRemember the milk.")
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}

		var got struct {
			Source sourceView `json:"source"`
			JobID  uuid.UUID  `json:"job_id"`
		}
		decodeBody(t, body, &got)
		if got.Source.SourceType != "upload" {
			t.Errorf("source_type = %q, want upload", got.Source.SourceType)
		}
		if got.Source.Name != "notes.md" {
			t.Errorf("name = %q, want filename fallback", got.Source.Name)
		}
		if got.JobID == uuid.Nil {
			t.Error("job_id is nil")
		}

		jobs := env.queue.all()
		if len(jobs) != 1 {
			t.Fatalf("enqueued %d jobs, want 1", len(jobs))
		}
	})

	t.Run("unsupported extension", func(t *testing.T) {
		resp, body := upload(t, "malware.exe", "MZ")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, body %s", resp.StatusCode, body)
		}
	})
}

func TestChatEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	env.completer.AddResponse("password", "Reset it from the settings page.")

	var chatID, messageID uuid.UUID
	t.Run("first turn creates chat", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
			"bot_profile_id": env.profileID,
			"message":        "How do I reset my password?",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}

		var got struct {
			ChatID    uuid.UUID   `json:"chat_id"`
			MessageID uuid.UUID   `json:"message_id"`
			Message   string      `json:"message"`
			Sources   []sourceRef `json:"sources"`
			Usage     usageView   `json:"usage"`
		}
		decodeBody(t, body, &got)
		if got.Message != "Reset it from the settings page." {
			t.Errorf("message = %q", got.Message)
		}
		if got.ChatID == uuid.Nil || got.MessageID == uuid.Nil {
			t.Errorf("chat_id/message_id missing: %+v", got)
		}
		if got.Usage.TotalTokens != 15 {
			t.Errorf("total_tokens = %d, want 15", got.Usage.TotalTokens)
		}
		chatID, messageID = got.ChatID, got.MessageID
	})

	t.Run("second turn reuses chat and carries history", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
			"bot_profile_id": env.profileID,
			"chat_id":        chatID,
			"message":        "And my username?",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}

		var got struct {
			ChatID uuid.UUID `json:"chat_id"`
		}
		decodeBody(t, body, &got)
		if got.ChatID != chatID {
			t.Errorf("chat_id = %s, want %s", got.ChatID, chatID)
		}

		calls := env.completer.Calls()
		last := calls[len(calls)-1]
		var sawHistory bool
		for _, m := range last.Messages {
			if m.Content == "How do I reset my password?" {
				sawHistory = true
			}
		}
		if !sawHistory {
			t.Error("second turn request is missing first-turn history")
		}
	})

	t.Run("messages listing", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/v1/chats/"+chatID.String()+"/messages", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}

		var got struct {
			Chat struct {
				MessageCount int `json:"message_count"`
			} `json:"chat"`
			Messages []struct {
				ID      uuid.UUID `json:"id"`
				Role    string    `json:"role"`
				Content string    `json:"content"`
			} `json:"messages"`
		}
		decodeBody(t, body, &got)
		if len(got.Messages) != 4 {
			t.Fatalf("messages = %d, want 4", len(got.Messages))
		}
		if got.Chat.MessageCount != 4 {
			t.Errorf("message_count = %d, want 4", got.Chat.MessageCount)
		}
		if got.Messages[0].Role != "user" || got.Messages[1].Role != "assistant" {
			t.Errorf("roles = %q, %q", got.Messages[0].Role, got.Messages[1].Role)
		}
		if got.Messages[1].ID != messageID {
			t.Errorf("assistant message id = %s, want %s", got.Messages[1].ID, messageID)
		}
	})

	t.Run("chats listing", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/v1/chats", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var got struct {
			Chats []struct {
				ID    uuid.UUID `json:"id"`
				Title string    `json:"title"`
			} `json:"chats"`
		}
		decodeBody(t, body, &got)
		if len(got.Chats) != 1 {
			t.Fatalf("chats = %d, want 1", len(got.Chats))
		}
		if got.Chats[0].Title != "How do I reset my password?" {
			t.Errorf("title = %q", got.Chats[0].Title)
		}
	})

	t.Run("unknown profile is 404", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
			"bot_profile_id": uuid.New(),
			"message":        "hello",
		})
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("chat from another profile rejected", func(t *testing.T) {
		ctx := context.Background()
		other := &store.BotProfile{
			TenantID: env.tenantID,
			Name:     "other bot",
			Model:    "gpt-4o-mini",
		}
		if err := env.store.CreateBotProfile(ctx, other); err != nil {
			t.Fatalf("creating profile: %v", err)
		}
		resp, _ := env.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
			"bot_profile_id": other.ID,
			"chat_id":        chatID,
			"message":        "hello",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})
}

func TestChatStreaming(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	env.completer.AddResponse("shipping", "Orders ship within two business days.")

	streamChat := func(t *testing.T, message string) []testutil.SSEEvent {
		t.Helper()
		resp, body := env.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
			"bot_profile_id": env.profileID,
			"message":        message,
			"stream":         true,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
			t.Fatalf("Content-Type = %q", ct)
		}
		return testutil.ParseSSEEvents(t, string(body))
	}

	t.Run("event order without retrieval", func(t *testing.T) {
		events := streamChat(t, "What is your shipping policy?")
		if len(events) < 3 {
			t.Fatalf("got %d events, want at least sources, one delta and done", len(events))
		}
		if events[0].Type != "sources" {
			t.Errorf("first event = %q, want sources", events[0].Type)
		}
		if events[len(events)-1].Type != "done" {
			t.Errorf("last event = %q, want done", events[len(events)-1].Type)
		}

		var srcEvent struct {
			Sources []sourceRef `json:"sources"`
		}
		decodeBody(t, []byte(events[0].Data), &srcEvent)
		if len(srcEvent.Sources) != 0 {
			t.Errorf("sources = %d, want 0 without indexed content", len(srcEvent.Sources))
		}

		var content strings.Builder
		for _, e := range testutil.FindAllEvents(events, "delta") {
			var d struct {
				Content string `json:"content"`
			}
			decodeBody(t, []byte(e.Data), &d)
			content.WriteString(d.Content)
		}
		if content.String() != "Orders ship within two business days." {
			t.Errorf("assembled deltas = %q", content.String())
		}

		var done struct {
			ChatID    uuid.UUID `json:"chat_id"`
			MessageID uuid.UUID `json:"message_id"`
			Usage     usageView `json:"usage"`
		}
		decodeBody(t, []byte(events[len(events)-1].Data), &done)
		if done.ChatID == uuid.Nil || done.MessageID == uuid.Nil {
			t.Errorf("done event missing ids: %+v", done)
		}
		if done.Usage.TotalTokens != 15 {
			t.Errorf("total_tokens = %d, want 15", done.Usage.TotalTokens)
		}
		if done.Usage.TimeToFirstTokenMS == nil || done.Usage.StreamDurationMS == nil {
			t.Error("stream timing missing from done event")
		}

		msgs, err := env.store.ListMessages(ctx, env.tenantID, done.ChatID)
		if err != nil {
			t.Fatalf("listing messages: %v", err)
		}
		if len(msgs) != 2 {
			t.Errorf("persisted %d messages, want 2", len(msgs))
		}
	})

	t.Run("sources event carries previews", func(t *testing.T) {
		question := "Tell me about returns."
		vec := make([]float32, 1536)
		vec[0] = 1
		env.embedder.SetVector(question, vec)

		longContent := strings.Repeat("Returns are accepted within thirty days. ", 10)
		srcID, docID := uuid.New(), uuid.New()
		err := env.index.Upsert(ctx, []vecindex.Point{{
			ID:     uuid.New(),
			Vector: vec,
			Payload: vecindex.Payload{
				TenantID:     env.tenantID,
				SourceID:     srcID,
				BotProfileID: env.profileID,
				DocumentID:   docID,
				Content:      longContent,
			},
		}})
		if err != nil {
			t.Fatalf("upserting point: %v", err)
		}

		events := streamChat(t, question)
		var srcEvent struct {
			Sources []sourceRef `json:"sources"`
		}
		decodeBody(t, []byte(events[0].Data), &srcEvent)
		if len(srcEvent.Sources) != 1 {
			t.Fatalf("sources = %d, want 1", len(srcEvent.Sources))
		}

		got := srcEvent.Sources[0]
		if got.SourceID != srcID {
			t.Errorf("source_id = %s, want %s", got.SourceID, srcID)
		}
		if n := utf8.RuneCountInString(got.Preview); n != sourcePreviewLen {
			t.Errorf("preview length = %d runes, want %d", n, sourcePreviewLen)
		}
		if got.Score < 0.99 || got.Score > 1 {
			t.Errorf("score = %v, want ~1 for identical vectors", got.Score)
		}
	})

	t.Run("provider failure is a generic error event", func(t *testing.T) {
		env.completer.SetError(fmt.Errorf("provider exploded: invalid key sk-secret"))
		defer env.completer.SetError(nil)

		events := streamChat(t, "Anything.")
		errEvent := testutil.FindEvent(events, "error")
		if errEvent == nil {
			t.Fatal("no error event in stream")
		}
		if strings.Contains(errEvent.Data, "sk-secret") {
			t.Errorf("error event leaks provider detail: %s", errEvent.Data)
		}
		if done := testutil.FindEvent(events, "done"); done != nil {
			t.Error("done event present after failure")
		}
	})
}
