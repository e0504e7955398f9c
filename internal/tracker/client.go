// Package tracker is a client for the work tracker's GraphQL API. Query
// results are returned as raw JSON: they are opaque context for the resolver,
// which reads them out of the event history.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// CollaboratorError reports a failed tracker call: transport failure, non-2xx
// status, or a GraphQL-level error.
type CollaboratorError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *CollaboratorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tracker %s failed (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tracker %s failed: %s", e.Op, e.Message)
}

// Client talks to the tracker API. All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a tracker client for the given API endpoint.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5), // 5 requests per second
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// do executes one GraphQL request and returns the raw data document.
func (c *Client) do(ctx context.Context, op, query string, variables map[string]any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &CollaboratorError{Op: op, Message: err.Error()}
	}

	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CollaboratorError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CollaboratorError{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &CollaboratorError{Op: op, StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var parsed graphqlResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &CollaboratorError{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("undecodable response: %v", err)}
	}
	if len(parsed.Errors) > 0 {
		return nil, &CollaboratorError{Op: op, StatusCode: resp.StatusCode, Message: parsed.Errors[0].Message}
	}

	return parsed.Data, nil
}

// CreateItem creates a work item. An empty groupID falls back to the most
// recently created group.
func (c *Client) CreateItem(ctx context.Context, title, description, groupID string) (json.RawMessage, error) {
	if groupID == "" {
		defaultID, err := c.defaultGroupID(ctx)
		if err != nil {
			return nil, err
		}
		groupID = defaultID
	}

	query := `
	mutation CreateItem($title: String!, $description: String!, $groupId: String!) {
		itemCreate(input: { title: $title, description: $description, groupId: $groupId }) {
			success
			item { id title description url }
		}
	}`
	return c.do(ctx, "createItem", query, map[string]any{
		"title":       title,
		"description": description,
		"groupId":     groupID,
	})
}

// defaultGroupID returns the most recently created group's ID.
func (c *Client) defaultGroupID(ctx context.Context) (string, error) {
	query := `
	query {
		groups(orderBy: { createdAt: DESC }, first: 1) {
			nodes { id name createdAt }
		}
	}`
	data, err := c.do(ctx, "defaultGroup", query, nil)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Groups struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &CollaboratorError{Op: "defaultGroup", Message: fmt.Sprintf("undecodable groups: %v", err)}
	}
	if len(parsed.Groups.Nodes) == 0 {
		return "", &CollaboratorError{Op: "defaultGroup", Message: "tracker has no groups"}
	}
	return parsed.Groups.Nodes[0].ID, nil
}

// AssignItem assigns an item to the user with the given email. The user is
// looked up first; assignment is a second request.
func (c *Client) AssignItem(ctx context.Context, itemID, email string) (json.RawMessage, error) {
	userQuery := `
	query GetUserByEmail($email: String!) {
		users(filter: { email: { eq: $email } }) {
			nodes { id }
		}
	}`
	data, err := c.do(ctx, "assignItem", userQuery, map[string]any{"email": email})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Users struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"users"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &CollaboratorError{Op: "assignItem", Message: fmt.Sprintf("undecodable users: %v", err)}
	}
	if len(parsed.Users.Nodes) == 0 {
		return nil, &CollaboratorError{Op: "assignItem", Message: fmt.Sprintf("no user with email %s", email)}
	}

	query := `
	mutation AssignItem($itemId: String!, $userId: String!) {
		itemUpdate(id: $itemId, input: { assigneeId: $userId }) {
			item { id title assignee { id name } }
		}
	}`
	return c.do(ctx, "assignItem", query, map[string]any{
		"itemId": itemID,
		"userId": parsed.Users.Nodes[0].ID,
	})
}

// GetItemDetails fetches one item with its assignee and state.
func (c *Client) GetItemDetails(ctx context.Context, itemID string) (json.RawMessage, error) {
	query := `
	query GetItemDetails($itemId: String!) {
		item(id: $itemId) {
			id title description
			assignee { name }
			state { name }
		}
	}`
	return c.do(ctx, "getItemDetails", query, map[string]any{"itemId": itemID})
}

// ListItems lists items created within a time window.
func (c *Client) ListItems(ctx context.Context, fromTime, toTime string) (json.RawMessage, error) {
	query := `
	query ItemsInWindow($fromTime: DateTime!, $toTime: DateTime!) {
		items(
			filter: { createdAt: { gte: $fromTime, lte: $toTime } }
			orderBy: { createdAt: ASC }
		) {
			nodes { id title description url createdAt assignee { name } }
		}
	}`
	return c.do(ctx, "listItems", query, map[string]any{
		"fromTime": fromTime,
		"toTime":   toTime,
	})
}

// ListHighPriorityItems lists urgent and high priority items (priority <= 2).
func (c *Client) ListHighPriorityItems(ctx context.Context) (json.RawMessage, error) {
	query := `
	query {
		items(filter: { priority: { lte: 2 } }) {
			nodes { id title priority }
		}
	}`
	return c.do(ctx, "listHighPriorityItems", query, nil)
}

// ListUnassignedItems lists items without an assignee.
func (c *Client) ListUnassignedItems(ctx context.Context) (json.RawMessage, error) {
	query := `
	query {
		items(filter: { assignee: { null: true } }) {
			nodes { id title description url }
		}
	}`
	return c.do(ctx, "listUnassignedItems", query, nil)
}

// ListItemsByLabel lists items carrying the given label.
func (c *Client) ListItemsByLabel(ctx context.Context, label string) (json.RawMessage, error) {
	query := `
	query ItemsWithLabel($label: String!) {
		items(filter: { labels: { name: { eq: $label } } }) {
			nodes { id title }
		}
	}`
	return c.do(ctx, "listItemsByLabel", query, map[string]any{"label": label})
}

// ListItemsDueBy lists items due before the given date.
func (c *Client) ListItemsDueBy(ctx context.Context, date string) (json.RawMessage, error) {
	query := `
	query ItemsDue($dueDate: TimelessDate!) {
		items(filter: { dueDate: { lt: $dueDate } }) {
			nodes { id title }
		}
	}`
	return c.do(ctx, "listItemsDueBy", query, map[string]any{"dueDate": date})
}

// ListGroups lists all groups with their members.
func (c *Client) ListGroups(ctx context.Context) (json.RawMessage, error) {
	query := `
	query {
		groups {
			nodes {
				id name
				members { nodes { id email displayName } }
			}
		}
	}`
	return c.do(ctx, "listGroups", query, nil)
}
