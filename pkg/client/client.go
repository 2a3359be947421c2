package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/classpad/classwork-engine/internal/models"
)

// Client is a Go SDK for the classwork-engine API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new classwork-engine client
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError is a non-2xx response from the server
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error: %s - %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// AssignmentList is the assignment view for one class. Synced is false when
// the server answered from its local cache because the remote store was
// unreachable.
type AssignmentList struct {
	Assignments []*models.Assignment `json:"assignments"`
	Synced      bool                 `json:"synced"`
}

// AssignmentResult is a single-assignment response
type AssignmentResult struct {
	Assignment *models.Assignment `json:"assignment"`
	Synced     bool               `json:"synced"`
}

// ExperienceResult carries a member's reward progress
type ExperienceResult struct {
	Experience *models.Experience   `json:"experience"`
	Level      models.LevelProgress `json:"level"`
}

// GetClass retrieves class configuration
func (c *Client) GetClass(ctx context.Context, classID string) (*models.Class, error) {
	resp, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/v1/classes/%s", classID), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool          `json:"success"`
		Data    *models.Class `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// ListAssignments retrieves the merged assignment view for a class
func (c *Client) ListAssignments(ctx context.Context, classID string) (*AssignmentList, error) {
	resp, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/v1/classes/%s/assignments", classID), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool            `json:"success"`
		Data    *AssignmentList `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// Refresh forces a re-sync against the remote store
func (c *Client) Refresh(ctx context.Context, classID string) (*AssignmentList, error) {
	resp, err := c.doRequest(ctx, "POST", fmt.Sprintf("/api/v1/classes/%s/assignments/refresh", classID), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool            `json:"success"`
		Data    *AssignmentList `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// GetAssignment retrieves one assignment by canonical or store id
func (c *Client) GetAssignment(ctx context.Context, classID, id string) (*AssignmentResult, error) {
	resp, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/v1/classes/%s/assignments/%s", classID, id), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool              `json:"success"`
		Data    *AssignmentResult `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// CreateAssignment creates a new assignment
func (c *Client) CreateAssignment(ctx context.Context, classID string, draft models.AssignmentDraft) (*AssignmentResult, error) {
	body, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, "POST", fmt.Sprintf("/api/v1/classes/%s/assignments", classID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool              `json:"success"`
		Data    *AssignmentResult `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// UpdateAssignment applies a partial update to an assignment
func (c *Client) UpdateAssignment(ctx context.Context, classID, id string, patch models.AssignmentPatch) (*AssignmentResult, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, "PATCH", fmt.Sprintf("/api/v1/classes/%s/assignments/%s", classID, id), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool              `json:"success"`
		Data    *AssignmentResult `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// DeleteAssignment removes an assignment
func (c *Client) DeleteAssignment(ctx context.Context, classID, id string) error {
	_, err := c.doRequest(ctx, "DELETE", fmt.Sprintf("/api/v1/classes/%s/assignments/%s", classID, id), nil)
	return err
}

// SetStatus toggles the caller's completion status for an assignment.
// Returns an APIError with code "approval_required" when the class routes
// completions through the approval workflow.
func (c *Client) SetStatus(ctx context.Context, classID, id string, status models.CompletionStatus) (*AssignmentResult, error) {
	body, err := json.Marshal(map[string]models.CompletionStatus{"status": status})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, "POST", fmt.Sprintf("/api/v1/classes/%s/assignments/%s/status", classID, id), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool              `json:"success"`
		Data    *AssignmentResult `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// ApproveAssignment approves pending content (moderator only)
func (c *Client) ApproveAssignment(ctx context.Context, classID, id string) (*AssignmentResult, error) {
	resp, err := c.doRequest(ctx, "POST", fmt.Sprintf("/api/v1/classes/%s/assignments/%s/approve", classID, id), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool              `json:"success"`
		Data    *AssignmentResult `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// RejectAssignment rejects pending content (moderator only). The result is
// nil when the rejection deleted a first-time creation.
func (c *Client) RejectAssignment(ctx context.Context, classID, id string) (*AssignmentResult, error) {
	resp, err := c.doRequest(ctx, "POST", fmt.Sprintf("/api/v1/classes/%s/assignments/%s/reject", classID, id), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool              `json:"success"`
		Data    *AssignmentResult `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.Data != nil && result.Data.Assignment == nil {
		return nil, nil
	}
	return result.Data, nil
}

// SubmitEvidence submits completion evidence for moderator review
func (c *Client) SubmitEvidence(ctx context.Context, classID, assignmentID, evidenceRef string) (*models.CompletionApproval, error) {
	body, err := json.Marshal(models.SubmitEvidenceRequest{
		AssignmentID: assignmentID,
		EvidenceRef:  evidenceRef,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, "POST", fmt.Sprintf("/api/v1/classes/%s/approvals", classID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool                       `json:"success"`
		Data    *models.CompletionApproval `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// ListPendingApprovals retrieves undecided submissions (moderator only)
func (c *Client) ListPendingApprovals(ctx context.Context, classID string) ([]*models.CompletionApproval, error) {
	resp, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/v1/classes/%s/approvals/pending", classID), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool                         `json:"success"`
		Data    []*models.CompletionApproval `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// ApproveCompletion approves a submission, marking the assignment finished
// for the submitter and granting the reward (moderator only)
func (c *Client) ApproveCompletion(ctx context.Context, classID, approvalID string) (*models.CompletionApproval, error) {
	resp, err := c.doRequest(ctx, "POST", fmt.Sprintf("/api/v1/classes/%s/approvals/%s/approve", classID, approvalID), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool                       `json:"success"`
		Data    *models.CompletionApproval `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// RejectCompletion rejects a submission with an optional reason (moderator
// only)
func (c *Client) RejectCompletion(ctx context.Context, classID, approvalID, reason string) (*models.CompletionApproval, error) {
	body, err := json.Marshal(models.RejectApprovalRequest{Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, "POST", fmt.Sprintf("/api/v1/classes/%s/approvals/%s/reject", classID, approvalID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool                       `json:"success"`
		Data    *models.CompletionApproval `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// GetExperience retrieves the caller's reward progress. Pass a non-empty
// userID to inspect another member (moderator only).
func (c *Client) GetExperience(ctx context.Context, classID, userID string) (*ExperienceResult, error) {
	path := fmt.Sprintf("/api/v1/classes/%s/experience", classID)
	if userID != "" {
		path += "?user_id=" + url.QueryEscape(userID)
	}

	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool              `json:"success"`
		Data    *ExperienceResult `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/health", nil)
	return err
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(respBody)}

		var envelope struct {
			Error *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}

	return respBody, nil
}
