// Package coderepo pulls exercise code from the code collaboration service
// and writes it into sandbox mount directories.
package coderepo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/model"
)

// PullError reports that a repository could not be fetched. Callers treat
// it as terminal for the request that needed the code.
type PullError struct {
	ExerciseID string
	SessionID  string
	Message    string
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull repository for exercise %s in session %s: %s", e.ExerciseID, e.SessionID, e.Message)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.SugaredLogger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     logger.Named(log, "coderepo"),
	}
}

// Pull fetches the current code tree of an exercise.
func (c *Client) Pull(ctx context.Context, exerciseID, sessionID string) (*model.CodeRepository, error) {
	endpoint := fmt.Sprintf("%s/sessions/%s/exercises/%s/repository",
		c.baseURL, url.PathEscape(sessionID), url.PathEscape(exerciseID))

	fail := func(format string, args ...any) error {
		err := &PullError{ExerciseID: exerciseID, SessionID: sessionID, Message: fmt.Sprintf(format, args...)}
		c.log.Errorw("Repository pull failed", "exercise_id", exerciseID, "session_id", sessionID, "error", err.Message)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fail("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fail("%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fail("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var repo model.CodeRepository
	if err := json.NewDecoder(resp.Body).Decode(&repo); err != nil {
		return nil, fail("decode response: %v", err)
	}
	return &repo, nil
}

// IsPullError reports whether err came from a failed pull.
func IsPullError(err error) bool {
	var pe *PullError
	return errors.As(err, &pe)
}
