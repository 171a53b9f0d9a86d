// Package fetcher is the HTTP client for the university data source.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"unicontrol_bot/internal/model"
)

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Fetcher talks to the data source REST API.
type Fetcher struct {
	client     HTTPClient
	baseURL    string
	botToken   string
	apiKey     string
	timeout    time.Duration
	maxRetries uint64
	retryBase  time.Duration
}

// New creates a Fetcher for the API rooted at baseURL.
func New(client HTTPClient, baseURL, botToken, apiKey string) *Fetcher {
	return &Fetcher{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		botToken:   botToken,
		apiKey:     apiKey,
		timeout:    30 * time.Second,
		maxRetries: 2,
		retryBase:  500 * time.Millisecond,
	}
}

// AttendanceUpdates returns attendance events of a group updated since the given time.
func (f *Fetcher) AttendanceUpdates(ctx context.Context, groupID int64, since time.Time) ([]model.AttendanceEvent, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	path := "/attendance/group/" + strconv.FormatInt(groupID, 10) + "/updates?" + q.Encode()

	var resp struct {
		Items []model.AttendanceEvent `json:"items"`
	}
	if err := f.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("attendance updates for group %d: %w", groupID, err)
	}
	return resp.Items, nil
}

// TodayBirthdays returns the students whose birthday is today.
func (f *Fetcher) TodayBirthdays(ctx context.Context) ([]model.Birthday, error) {
	var resp struct {
		Birthdays []model.Birthday `json:"birthdays"`
	}
	if err := f.get(ctx, "/birthdays/today", &resp); err != nil {
		return nil, fmt.Errorf("today birthdays: %w", err)
	}
	return resp.Birthdays, nil
}

// NotifyBirthday asks the data source to create an in-app birthday notification.
func (f *Fetcher) NotifyBirthday(ctx context.Context, userID int64, studentName string, age int) error {
	body := map[string]any{
		"user_id":      userID,
		"student_name": studentName,
		"age":          age,
	}
	if err := f.send(ctx, http.MethodPost, "/birthdays/notify", body, nil); err != nil {
		return fmt.Errorf("notify birthday: %w", err)
	}
	return nil
}

// GroupByCode looks up an academic group. It returns model.ErrNotFound for unknown codes.
func (f *Fetcher) GroupByCode(ctx context.Context, code string) (*model.Group, error) {
	var g model.Group
	if err := f.get(ctx, "/groups/code/"+url.PathEscape(code), &g); err != nil {
		return nil, fmt.Errorf("group %s: %w", code, err)
	}
	return &g, nil
}

// CheckBotAccess asks the gating policy whether the bot may serve a group.
func (f *Fetcher) CheckBotAccess(ctx context.Context, groupID int64) (*model.AccessCheck, error) {
	var check model.AccessCheck
	if err := f.get(ctx, "/bot-check-subscription/"+strconv.FormatInt(groupID, 10), &check); err != nil {
		return nil, fmt.Errorf("check bot access for group %d: %w", groupID, err)
	}
	return &check, nil
}

// RegisterChat records a subscribed chat with the data source.
func (f *Fetcher) RegisterChat(ctx context.Context, reg model.ChatRegistration) error {
	if err := f.send(ctx, http.MethodPost, "/register", reg, nil); err != nil {
		return fmt.Errorf("register chat %d: %w", reg.ChatID, err)
	}
	return nil
}

// UnregisterChat removes a chat registration from the data source.
func (f *Fetcher) UnregisterChat(ctx context.Context, chatID int64) error {
	if err := f.send(ctx, http.MethodDelete, "/unregister/"+strconv.FormatInt(chatID, 10), nil, nil); err != nil {
		return fmt.Errorf("unregister chat %d: %w", chatID, err)
	}
	return nil
}

// VerifyStudent checks a student's verification code for a Telegram user.
func (f *Fetcher) VerifyStudent(ctx context.Context, telegramID, studentID int64, code string) (*model.Verification, error) {
	body := map[string]any{
		"telegram_id":       telegramID,
		"student_id":        studentID,
		"verification_code": code,
	}
	var v model.Verification
	if err := f.send(ctx, http.MethodPost, "/verify", body, &v); err != nil {
		return nil, fmt.Errorf("verify student %d: %w", studentID, err)
	}
	return &v, nil
}

// get performs an idempotent GET, retrying network errors and 5xx responses.
func (f *Fetcher) get(ctx context.Context, path string, out any) error {
	backoff := retry.WithMaxRetries(f.maxRetries, retry.NewExponential(f.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := f.do(ctx, http.MethodGet, path, nil, out)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (f *Fetcher) send(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
	}
	return f.do(ctx, method, path, payload, out)
}

func (f *Fetcher) do(ctx context.Context, method, path string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if f.botToken != "" {
		req.Header.Set("X-Bot-Token", f.botToken)
	}
	if f.apiKey != "" {
		req.Header.Set("X-API-Key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("http %s: %w", strings.ToLower(method), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return model.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 200)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, model.ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false
	}
	return true
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
