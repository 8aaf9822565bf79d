package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"

	"chatsync/internal/models"
)

const (
	// Responses are cached per parameter signature so rapid UI interactions
	// (hover-prefetch, quick session flips) don't hammer the agent.
	historyCacheTTL   = 5 * time.Minute
	historyCacheSweep = 1 * time.Minute

	defaultContextLimit = 20
)

// HistoryClient issues JSON-RPC 2.0 calls against one agent endpoint to
// list remote conversation contexts, pull task histories and push metadata
// updates. It does not retry: the sync manager owns retry policy.
type HistoryClient struct {
	agentURL   string
	httpClient *http.Client
	cache      *cache.Cache
	requestID  atomic.Int64
}

// NewHistoryClient creates a client for the given agent URL
func NewHistoryClient(agentURL string) *HistoryClient {
	return &HistoryClient{
		agentURL: agentURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache: cache.New(historyCacheTTL, historyCacheSweep),
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

// call performs one JSON-RPC round-trip and returns the raw result
func (c *HistoryClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.agentURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	return rpcResp.Result, nil
}

// decodeRecordList accepts either a bare array result or an object wrapping
// the array under the given key ({"contexts": [...]}, {"tasks": [...]}).
func decodeRecordList(result json.RawMessage, wrapperKey string) ([]map[string]interface{}, error) {
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(result, &records); err == nil {
		return records, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return nil, fmt.Errorf("unexpected result shape: %w", err)
	}
	inner, ok := wrapper[wrapperKey]
	if !ok {
		return nil, fmt.Errorf("result object has no %q field", wrapperKey)
	}
	if err := json.Unmarshal(inner, &records); err != nil {
		return nil, fmt.Errorf("unexpected %q shape: %w", wrapperKey, err)
	}
	return records, nil
}

// FetchContexts lists remote conversation threads via contexts/list
func (c *HistoryClient) FetchContexts(ctx context.Context, opts models.ContextListOptions) ([]models.RemoteContext, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultContextLimit
	}

	cacheKey := fmt.Sprintf("contexts:%d:%t:%t", opts.Limit, opts.IncludeLastTask, opts.IncludeArchived)
	if cached, found := c.cache.Get(cacheKey); found {
		return cached.([]models.RemoteContext), nil
	}

	result, err := c.call(ctx, "contexts/list", map[string]interface{}{
		"limit":           opts.Limit,
		"includeLastTask": opts.IncludeLastTask,
		"includeArchived": opts.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}

	records, err := decodeRecordList(result, "contexts")
	if err != nil {
		return nil, fmt.Errorf("contexts/list: %w", err)
	}

	contexts := make([]models.RemoteContext, 0, len(records))
	for _, record := range records {
		contexts = append(contexts, ParseContext(record))
	}

	c.cache.Set(cacheKey, contexts, cache.DefaultExpiration)
	return contexts, nil
}

// FetchTasks lists the task history for one context via tasks/list
func (c *HistoryClient) FetchTasks(ctx context.Context, contextID string, skipCache bool) ([]models.RemoteTask, error) {
	cacheKey := "tasks:" + contextID
	if !skipCache {
		if cached, found := c.cache.Get(cacheKey); found {
			return cached.([]models.RemoteTask), nil
		}
	}

	// The server historically accepts id/contextId aliases; "Id" is canonical
	result, err := c.call(ctx, "tasks/list", map[string]interface{}{
		"Id": contextID,
	})
	if err != nil {
		return nil, err
	}

	records, err := decodeRecordList(result, "tasks")
	if err != nil {
		return nil, fmt.Errorf("tasks/list: %w", err)
	}

	tasks := make([]models.RemoteTask, 0, len(records))
	for _, record := range records {
		tasks = append(tasks, ParseTask(record))
	}

	c.cache.Set(cacheKey, tasks, cache.DefaultExpiration)
	return tasks, nil
}

// FetchFullConversation fetches a context's tasks and flattens them into one
// chronological message list. The server returns tasks newest-first, and
// each task's messages newest-first; both orderings are reversed here so the
// assembled conversation reads oldest-first. Getting this wrong silently
// reverses conversation history.
func (c *HistoryClient) FetchFullConversation(ctx context.Context, contextID string, skipCache bool) (*models.Conversation, error) {
	tasks, err := c.FetchTasks(ctx, contextID, skipCache)
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{
		ContextID: contextID,
		Tasks:     tasks,
	}

	// Walk tasks oldest-first (reverse of server order)...
	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		if task.CreatedAt > conv.LastUpdated {
			conv.LastUpdated = task.CreatedAt
		}
		// ...and each task's messages oldest-first likewise
		for j := len(task.Messages) - 1; j >= 0; j-- {
			msg := task.Messages[j]
			conv.Messages = append(conv.Messages, msg)
			if msg.Timestamp > conv.LastUpdated {
				conv.LastUpdated = msg.Timestamp
			}
		}
	}

	return conv, nil
}

// UpdateContext pushes metadata changes via contexts/update and invalidates
// every cached entry that could reference the context.
func (c *HistoryClient) UpdateContext(ctx context.Context, contextID string, update models.ContextUpdate) error {
	params := map[string]interface{}{
		"Id": contextID,
	}
	if update.Name != nil {
		params["Name"] = *update.Name
	}
	if update.IsArchived != nil {
		params["IsArchived"] = *update.IsArchived
	}

	if _, err := c.call(ctx, "contexts/update", params); err != nil {
		return err
	}

	c.invalidateContext(contextID)
	return nil
}

// ContextExists probes for a context via a full, archived-inclusive list scan
func (c *HistoryClient) ContextExists(ctx context.Context, contextID string) (bool, error) {
	contexts, err := c.FetchContexts(ctx, models.ContextListOptions{
		Limit:           100,
		IncludeArchived: true,
	})
	if err != nil {
		return false, err
	}
	for _, remote := range contexts {
		if remote.ID == contextID {
			return true, nil
		}
	}
	return false, nil
}

// ClearCache drops every cached response; used by manual sync triggers that
// must observe fresh data.
func (c *HistoryClient) ClearCache() {
	c.cache.Flush()
}

func (c *HistoryClient) invalidateContext(contextID string) {
	c.cache.Delete("tasks:" + contextID)
	for key := range c.cache.Items() {
		if strings.HasPrefix(key, "contexts:") {
			c.cache.Delete(key)
		}
	}
}

// AgentURL returns the endpoint this client talks to
func (c *HistoryClient) AgentURL() string {
	return c.agentURL
}
