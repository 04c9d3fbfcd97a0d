// Package pyrus is the sole gateway to the Pyrus task-management API:
// request building, authentication, defensive response parsing and the
// retry discipline around every outbound call.
package pyrus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/pyrus-bots/escalator/internal/errors"
	"github.com/pyrus-bots/escalator/pkg/metrics"
)

const (
	// DefaultAccountsURL is the production authentication endpoint.
	DefaultAccountsURL = "https://accounts.pyrus.com/api/v4/auth"
	// DefaultAPIURL is the production API root.
	DefaultAPIURL = "https://api.pyrus.com/v4"

	defaultTimeout = 30 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	AccountsURL   string
	APIURL        string
	BotID         int
	ClientFieldID int
	Timeout       time.Duration
}

// DefaultClientConfig returns production endpoints with the default
// per-call timeout.
func DefaultClientConfig(botID, clientFieldID int) ClientConfig {
	return ClientConfig{
		AccountsURL:   DefaultAccountsURL,
		APIURL:        DefaultAPIURL,
		BotID:         botID,
		ClientFieldID: clientFieldID,
		Timeout:       defaultTimeout,
	}
}

// Client talks to the Pyrus API. No other component speaks to the
// Service directly.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	retry      *Retryer
	log        *logrus.Logger
}

// NewClient builds a Client. The retryer carries the unlock-on-fail
// store reference.
func NewClient(cfg ClientConfig, retry *Retryer, log *logrus.Logger) *Client {
	if cfg.AccountsURL == "" {
		cfg.AccountsURL = DefaultAccountsURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      retry,
		log:        log,
	}
}

func (c *Client) taskURL(taskID int64) string {
	return fmt.Sprintf("%s/tasks/%d", c.cfg.APIURL, taskID)
}

func (c *Client) commentsURL(taskID int64) string {
	return fmt.Sprintf("%s/tasks/%d/comments", c.cfg.APIURL, taskID)
}

func (c *Client) memberURL(memberID int) string {
	return fmt.Sprintf("%s/members/%d", c.cfg.APIURL, memberID)
}

// Authenticate exchanges credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context, login, securityKey string) (string, error) {
	var token string
	err := c.retry.Do(0, "authenticate", func() error {
		payload := map[string]string{"login": login, "security_key": securityKey}
		body, status, err := c.post(ctx, c.cfg.AccountsURL, "", payload)
		if err != nil {
			return err
		}
		if status < 200 || status >= 300 {
			return apperrors.Newf(apperrors.ErrorTypeAPI, "authentication failed with status %d", status)
		}

		var resp struct {
			AccessToken string `json:"access_token"`
		}
		if err := parseJSON(body, status, "auth", &resp); err != nil {
			return err
		}
		if resp.AccessToken == "" {
			return apperrors.New(apperrors.ErrorTypeAPI, "the response does not contain a token")
		}
		token = resp.AccessToken
		return nil
	})
	return token, err
}

// GetTask retrieves the full task object. HTTP 403 and the
// access_denied_task error marker map to an access_denied error and are
// never retried.
func (c *Client) GetTask(ctx context.Context, taskID int64, token string) (*Task, error) {
	body, status, err := c.get(ctx, c.taskURL(taskID), token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusForbidden {
		return nil, apperrors.Newf(apperrors.ErrorTypeAccessDenied, "access to task %d revoked", taskID)
	}
	if status < 200 || status >= 300 {
		return nil, apperrors.Newf(apperrors.ErrorTypeAPI, "couldn't get task %d: status %d", taskID, status)
	}

	var env taskEnvelope
	if err := parseJSON(body, status, "task", &env); err != nil {
		return nil, err
	}
	if env.Task != nil {
		return env.Task, nil
	}
	if strings.Contains(strings.ToLower(env.Error), "access_denied_task") {
		return nil, apperrors.Newf(apperrors.ErrorTypeAccessDenied, "access to task %d revoked", taskID)
	}
	return nil, apperrors.Newf(apperrors.ErrorTypeProtocol, "failed to parse task %d: response lacks task object", taskID)
}

// CheckTask probes whether the task is still reachable.
func (c *Client) CheckTask(ctx context.Context, taskID int64, token string) Presence {
	_, err := c.GetTask(ctx, taskID, token)
	switch {
	case err == nil:
		return PresencePresent
	case apperrors.IsType(err, apperrors.ErrorTypeAccessDenied):
		return PresenceAbsent
	default:
		c.log.WithField("task_id", taskID).WithError(err).Warn("task existence check inconclusive")
		return PresenceUnknown
	}
}

// IsTaskClosed reports whether the task exposes a close timestamp or a
// closed flag.
func (c *Client) IsTaskClosed(ctx context.Context, taskID int64, token string) (bool, error) {
	var closed bool
	err := c.retry.Do(taskID, "is_task_closed", func() error {
		task, err := c.GetTask(ctx, taskID, token)
		if err != nil {
			return err
		}
		closed = task.CloseDate != "" || task.IsClosed
		return nil
	})
	return closed, err
}

// BotIsSubscriber reports whether the configured bot id appears among the
// task's subscribers.
func (c *Client) BotIsSubscriber(ctx context.Context, taskID int64, token string) (bool, error) {
	var subscribed bool
	err := c.retry.Do(taskID, "bot_is_subscriber", func() error {
		task, err := c.GetTask(ctx, taskID, token)
		if err != nil {
			return err
		}
		if len(task.Subscribers) == 0 {
			return apperrors.Newf(apperrors.ErrorTypeAPI, "the API response does not contain subscribers for task %d", taskID)
		}
		for _, sub := range task.Subscribers {
			if sub.Person.ID == c.cfg.BotID {
				subscribed = true
				return nil
			}
		}
		subscribed = false
		return nil
	})
	if err == nil {
		c.log.WithFields(logrus.Fields{"task_id": taskID, "subscribed": subscribed}).Debug("bot subscription checked")
	}
	return subscribed, err
}

// GetResponsible resolves the task's assignee.
func (c *Client) GetResponsible(ctx context.Context, taskID int64, token string) (MemberInfo, error) {
	var info MemberInfo
	err := c.retry.Do(taskID, "get_responsible", func() error {
		task, err := c.GetTask(ctx, taskID, token)
		if err != nil {
			return err
		}
		if task.Responsible == nil {
			return apperrors.Newf(apperrors.ErrorTypeAPI, "the API response does not contain the person responsible for task %d", taskID)
		}
		resolved, err := personToMember(*task.Responsible, taskID)
		if err != nil {
			return err
		}
		info = resolved
		return nil
	})
	return info, err
}

// GetDue returns the task's deadline as reported by the Service.
func (c *Client) GetDue(ctx context.Context, taskID int64, token string) (string, error) {
	var due string
	err := c.retry.Do(taskID, "get_due", func() error {
		task, err := c.GetTask(ctx, taskID, token)
		if err != nil {
			return err
		}
		if task.Due == "" {
			return apperrors.Newf(apperrors.ErrorTypeAPI, "couldn't get the deadline for task %d", taskID)
		}
		due = task.Due
		return nil
	})
	return due, err
}

// GetMember resolves a directory member by id. Not bound to a task row,
// so exhausted retries do not unlock anything.
func (c *Client) GetMember(ctx context.Context, memberID int, token string) (MemberInfo, error) {
	var info MemberInfo
	err := c.retry.Do(0, "get_member", func() error {
		body, status, err := c.get(ctx, c.memberURL(memberID), token)
		if err != nil {
			return err
		}
		if status < 200 || status >= 300 {
			return apperrors.Newf(apperrors.ErrorTypeAPI, "couldn't get member %d: status %d", memberID, status)
		}

		var person Person
		if err := parseJSON(body, status, "member", &person); err != nil {
			return err
		}
		resolved, err := personToMember(person, int64(memberID))
		if err != nil {
			return err
		}
		info = resolved
		return nil
	})
	return info, err
}

// CommentMembers carries the identities a comment mentions: the
// responsible user, and at the final step the two managers.
type CommentMembers struct {
	User     MemberInfo
	Managers *ManagerPair
}

// SendComment posts a mention-prefixed comment to the task. When
// managers are present both are subscribed first and mentioned after the
// user. The final body is "{mentions}, {text}".
func (c *Client) SendComment(ctx context.Context, token string, taskID int64, text string, members CommentMembers) error {
	return c.retry.Do(taskID, "send_comment", func() error {
		mentions := []string{}

		if members.Managers != nil {
			ids := managerIDs(*members.Managers)
			if ids == nil {
				return apperrors.Newf(apperrors.ErrorTypeAPI, "managers ids list is empty for task %d", taskID)
			}
			if err := c.addSubscribers(ctx, taskID, token, ids); err != nil {
				return err
			}
		}

		if members.User.ID == 0 || members.User.Fullname == "" {
			return apperrors.Newf(apperrors.ErrorTypeAPI, "information about the user is missing for task %d", taskID)
		}
		mentions = append(mentions, BuildMentionSpan(members.User.ID, members.User.Fullname))
		if members.Managers != nil {
			mentions = append(mentions, managerMentions(*members.Managers)...)
		}

		body := map[string]string{
			"formatted_text": fmt.Sprintf("%s, %s", strings.Join(mentions, ", "), text),
		}
		return c.postComment(ctx, taskID, token, body, "send comment")
	})
}

// AddSubscribers subscribes the given members to the task.
func (c *Client) AddSubscribers(ctx context.Context, taskID int64, token string, members []MemberInfo) error {
	return c.retry.Do(taskID, "add_subscribers", func() error {
		return c.addSubscribers(ctx, taskID, token, members)
	})
}

func (c *Client) addSubscribers(ctx context.Context, taskID int64, token string, members []MemberInfo) error {
	added := make([]map[string]int, 0, len(members))
	for _, m := range members {
		added = append(added, map[string]int{"id": m.ID})
	}
	body := map[string]interface{}{"subscribers_added": added}
	if err := c.postComment(ctx, taskID, token, body, "add subscribers"); err != nil {
		return err
	}
	c.log.WithField("task_id", taskID).Info("subscribers added")
	return nil
}

// RemoveBotFromSubscribers unsubscribes the bot from the task.
func (c *Client) RemoveBotFromSubscribers(ctx context.Context, taskID int64, token string) error {
	return c.retry.Do(taskID, "remove_bot_from_subscribers", func() error {
		body := map[string]interface{}{
			"subscribers_removed": []map[string]int{{"id": c.cfg.BotID}},
		}
		if err := c.postComment(ctx, taskID, token, body, "remove bot from subscribers"); err != nil {
			return err
		}
		c.log.WithField("task_id", taskID).Info("bot removed from subscribers")
		return nil
	})
}

// UpdateClientField writes the parent task reference into the configured
// client form field.
func (c *Client) UpdateClientField(ctx context.Context, parentTaskID int64, token string, taskID int64) error {
	return c.retry.Do(taskID, "update_client_field", func() error {
		body := map[string]interface{}{
			"field_updates": []map[string]interface{}{
				{"id": c.cfg.ClientFieldID, "value": parentTaskID},
			},
		}
		if err := c.postComment(ctx, taskID, token, body, "update client field"); err != nil {
			return err
		}
		c.log.WithField("task_id", taskID).Info("client field updated")
		return nil
	})
}

// postComment posts to the comments endpoint and checks the task
// envelope.
func (c *Client) postComment(ctx context.Context, taskID int64, token string, payload interface{}, action string) error {
	body, status, err := c.post(ctx, c.commentsURL(taskID), token, payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return apperrors.Newf(apperrors.ErrorTypeAPI, "couldn't %s for task %d: status %d", action, taskID, status)
	}

	var env taskEnvelope
	if err := parseJSON(body, status, "comments", &env); err != nil {
		return err
	}
	if env.Task == nil {
		return apperrors.Newf(apperrors.ErrorTypeAPI, "couldn't %s: invalid API response for task %d", action, taskID)
	}
	return nil
}

func (c *Client) get(ctx context.Context, url, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req)
}

func (c *Client) post(ctx context.Context, url, token string, payload interface{}) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RecordPyrusRequest(req.Method, time.Since(start))
	if err != nil {
		return nil, 0, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "request to %s failed", req.URL.Path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "failed to read response from %s", req.URL.Path)
	}
	return body, resp.StatusCode, nil
}

// parseJSON decodes a response body defensively; an unparsable body is a
// protocol error and therefore retryable.
func parseJSON(body []byte, status int, context string, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		snippet := strings.ReplaceAll(string(body), "\n", " ")
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		return apperrors.Wrapf(err, apperrors.ErrorTypeProtocol,
			"couldn't parse the JSON in the %s response: %d %s", context, status, snippet)
	}
	return nil
}

func personToMember(p Person, taskID int64) (MemberInfo, error) {
	if p.ID == 0 {
		return MemberInfo{}, apperrors.Newf(apperrors.ErrorTypeAPI, "the API response for task %d does not contain the employee's id", taskID)
	}
	fullname := strings.TrimSpace(strings.Join(nonEmpty(p.FirstName, p.LastName), " "))
	if fullname == "" {
		return MemberInfo{}, apperrors.Newf(apperrors.ErrorTypeAPI, "the API response for task %d does not contain the employee's full name", taskID)
	}
	return MemberInfo{ID: p.ID, Fullname: fullname}, nil
}

func nonEmpty(parts ...string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
