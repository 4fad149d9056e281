package gather

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

	apperrors "github.com/rgoodwin/gather-sync/internal/errors"
)

// reactionPageSize is the page length used when draining the paginated
// reaction list.
const reactionPageSize = 50

// TokenSource supplies the current access token for outbound requests.
// Implemented by the credential store.
type TokenSource interface {
	AccessToken() string
}

// AuthRecoverer performs the refresh used by reactive 401 handling. It
// returns the new access token on success. Implemented by the refresher;
// concurrent callers share one in-flight refresh.
type AuthRecoverer interface {
	Refresh(ctx context.Context) (string, error)
}

// Client talks to the Gather REST API.
//
// Every request carries a bearer token when one is available. A 401
// response triggers a single refresh-and-retry through the configured
// AuthRecoverer; a second 401 on the retried request is terminal and
// surfaces as ErrAuthExpired.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	auth       AuthRecoverer

	// onAuthExpired is invoked when a 401 survives the refresh-and-retry
	// cycle. Wired to the session teardown.
	onAuthExpired func()
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// SetTokenSource wires the credential store. Requests made before this is
// called go out unauthenticated.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// SetAuthRecoverer wires the refresh path consulted on a 401. Without one,
// a 401 is terminal immediately.
func (c *Client) SetAuthRecoverer(a AuthRecoverer) {
	c.auth = a
}

// SetOnAuthExpired wires a callback fired when a request still gets a 401
// after a successful refresh. The refresh-failure case already ends the
// session inside the recoverer; this covers the replay rejection.
func (c *Client) SetOnAuthExpired(fn func()) {
	c.onAuthExpired = fn
}

// send issues one HTTP request with the given bearer token and returns the
// raw response. The caller owns the response body.
func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload []byte, token string) (*http.Response, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", endpoint, err)
	}

	return resp, nil
}

// do issues an authenticated JSON request and decodes the response into
// result. On a 401 it refreshes once and replays the original request with
// the new token; any 401 on the replay is terminal.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, reqBody, result any) error {
	var payload []byte
	if reqBody != nil {
		var err error

		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
	}

	resp, err := c.send(ctx, method, endpoint, query, payload, c.currentToken())
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if c.auth == nil {
			return fmt.Errorf("%s: %w", endpoint, apperrors.ErrAuthExpired)
		}

		token, rerr := c.auth.Refresh(ctx)
		if rerr != nil {
			return fmt.Errorf("refreshing after 401 from %s: %w", endpoint, apperrors.ErrAuthExpired)
		}

		resp, err = c.send(ctx, method, endpoint, query, payload, token)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if c.onAuthExpired != nil {
				c.onAuthExpired()
			}

			return fmt.Errorf("%s after retry: %w", endpoint, apperrors.ErrAuthExpired)
		}
	}

	return decode(resp, endpoint, result)
}

// doNoRetry issues a request without the 401 recovery path. Used by the
// auth endpoints themselves so a rejected refresh cannot recurse.
func (c *Client) doNoRetry(ctx context.Context, method, endpoint string, reqBody, result any) error {
	var payload []byte
	if reqBody != nil {
		var err error

		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
	}

	resp, err := c.send(ctx, method, endpoint, nil, payload, "")
	if err != nil {
		return err
	}

	return decode(resp, endpoint, result)
}

// decode consumes the response body, maps error statuses onto the error
// taxonomy, and unmarshals a success body into result. A 204 is a valid
// empty result, not an error.
func decode(resp *http.Response, endpoint string, result any) error {
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiStatusError(resp.StatusCode, endpoint, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// apiStatusError maps a non-2xx response to a typed error. Conflict
// detection lives here and only here: callers see ErrDuplicateReaction,
// never the backend's duplicate-key message.
func apiStatusError(status int, endpoint string, body []byte) error {
	var apiErr APIError

	msg := ""
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", endpoint, apperrors.ErrAuthExpired)

	case http.StatusConflict:
		return fmt.Errorf("%s: %w", endpoint, apperrors.ErrDuplicateReaction)
	}

	// Some backend versions surface the unique-constraint violation as a
	// 500 with the database's duplicate-key message in the envelope.
	if isDuplicateKeyMessage(msg) {
		return fmt.Errorf("%s: %w", endpoint, apperrors.ErrDuplicateReaction)
	}

	if msg != "" {
		return fmt.Errorf("%s (%d): %s: %w", endpoint, status, msg, apperrors.ErrAPIRequest)
	}

	return fmt.Errorf("%s returned status %d: %w", endpoint, status, apperrors.ErrAPIRequest)
}

func isDuplicateKeyMessage(msg string) bool {
	lower := strings.ToLower(msg)

	return strings.Contains(lower, "duplicate entry") || strings.Contains(lower, "duplicate key")
}

func (c *Client) currentToken() string {
	if c.tokens == nil {
		return ""
	}

	return c.tokens.AccessToken()
}

// Login authenticates with email and password, returning the credential pair.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	req := LoginRequest{
		Email:    email,
		Password: password,
	}

	var resp LoginResponse
	if err := c.doNoRetry(ctx, http.MethodPost, "/auth/login", req, &resp); err != nil {
		// A 401 at login means bad credentials, not an expired session.
		if errors.Is(err, apperrors.ErrAuthExpired) {
			return nil, fmt.Errorf("logging in: %w", apperrors.ErrInvalidCredentials)
		}

		return nil, fmt.Errorf("logging in: %w", err)
	}

	return &resp, nil
}

// RefreshToken exchanges a refresh token for a rotated credential pair.
// Never retried: a rejection here means the session is over.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	req := RefreshRequest{RefreshToken: refreshToken}

	var resp RefreshResponse
	if err := c.doNoRetry(ctx, http.MethodPost, "/auth/refreshToken", req, &resp); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return &resp, nil
}

// ConversationPreviews returns the conversation list with unread counts.
// A 204 yields an empty slice.
func (c *Client) ConversationPreviews(ctx context.Context, userID int64) ([]ConversationPreview, error) {
	query := url.Values{"userId": {strconv.FormatInt(userID, 10)}}

	var previews []ConversationPreview
	if err := c.do(ctx, http.MethodGet, "/conversations/preview", query, nil, &previews); err != nil {
		return nil, fmt.Errorf("listing conversation previews: %w", err)
	}

	return previews, nil
}

// MarkConversationRead records the conversation as read up to lastMessageID.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID, userID, lastMessageID int64) error {
	query := url.Values{
		"userId":        {strconv.FormatInt(userID, 10)},
		"lastMessageId": {strconv.FormatInt(lastMessageID, 10)},
	}

	endpoint := fmt.Sprintf("/conversations/%d/read", conversationID)
	if err := c.do(ctx, http.MethodPost, endpoint, query, nil, nil); err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}

	return nil
}

// ListReactions drains the paginated reaction list for one entity and
// returns every reaction. A 204 on any page yields what was collected so
// far; an empty first page is a legitimate zero-result state.
func (c *Client) ListReactions(ctx context.Context, target ReactionTarget, targetID int64) ([]Reaction, error) {
	endpoint := "/reaction/" + string(target)

	var all []Reaction

	for page := 0; ; page++ {
		query := url.Values{
			"targetId": {strconv.FormatInt(targetID, 10)},
			"page":     {strconv.Itoa(page)},
			"size":     {strconv.Itoa(reactionPageSize)},
		}

		var batch []Reaction
		if err := c.do(ctx, http.MethodGet, endpoint, query, nil, &batch); err != nil {
			return nil, fmt.Errorf("listing reactions page %d: %w", page, err)
		}

		all = append(all, batch...)

		if len(batch) < reactionPageSize {
			return all, nil
		}
	}
}

// AddReaction creates a reaction. Returns ErrDuplicateReaction when one
// already exists for this user and entity.
func (c *Client) AddReaction(ctx context.Context, target ReactionTarget, r Reaction) error {
	if err := c.do(ctx, http.MethodPost, "/reaction/"+string(target), nil, r, nil); err != nil {
		return fmt.Errorf("adding reaction: %w", err)
	}

	return nil
}

// UpdateReaction switches an existing reaction to a different type.
func (c *Client) UpdateReaction(ctx context.Context, target ReactionTarget, r Reaction) error {
	if err := c.do(ctx, http.MethodPatch, "/reaction/"+string(target), nil, r, nil); err != nil {
		return fmt.Errorf("updating reaction: %w", err)
	}

	return nil
}

// RemoveReaction deletes the caller's reaction.
func (c *Client) RemoveReaction(ctx context.Context, target ReactionTarget, r Reaction) error {
	if err := c.do(ctx, http.MethodDelete, "/reaction/"+string(target), nil, r, nil); err != nil {
		return fmt.Errorf("removing reaction: %w", err)
	}

	return nil
}

// Notifications returns the notification feed for a user.
func (c *Client) Notifications(ctx context.Context, userID int64) ([]Notification, error) {
	endpoint := fmt.Sprintf("/notifications/%d", userID)

	var notifications []Notification
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &notifications); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	return notifications, nil
}

// UnreadNotificationCount returns the server-side unread notification count.
func (c *Client) UnreadNotificationCount(ctx context.Context, userID int64) (int, error) {
	endpoint := fmt.Sprintf("/notifications/%d/unread-count", userID)

	var resp UnreadCountResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return 0, fmt.Errorf("fetching unread notification count: %w", err)
	}

	return resp.Count, nil
}

// MarkNotificationRead marks a single notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID int64) error {
	endpoint := fmt.Sprintf("/notifications/%d/read", notificationID)

	if err := c.do(ctx, http.MethodPatch, endpoint, nil, nil, nil); err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}

	return nil
}
