// Copyright 2024 mchat Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mchat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glimte/mchat-go/contracts"
)

// Request sends action with params and waits for the response data using
// the default request timeout. A non-zero response code is returned as
// *contracts.RemoteError.
func (c *Client) Request(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	return c.RequestWithTimeout(ctx, action, params, c.cfg.requestTimeout)
}

// RequestWithTimeout is Request with an explicit timeout
func (c *Client) RequestWithTimeout(ctx context.Context, action string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, contracts.ErrNotConnected
	}
	return c.bridge.Request(ctx, action, params, timeout)
}

// RequestAs sends a request and decodes the response data into T.
// An empty or null data field yields the zero value.
func RequestAs[T any](ctx context.Context, c *Client, action string, params map[string]any) (T, error) {
	var out T

	data, err := c.Request(ctx, action, params)
	if err != nil {
		return out, err
	}
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s response: %w", action, err)
	}
	return out, nil
}

// SubscribeGroup joins the message stream of groupID. Joined groups are
// re-subscribed after every reconnect.
func (c *Client) SubscribeGroup(ctx context.Context, groupID string) error {
	if err := validateGroupID(groupID); err != nil {
		return err
	}
	if c.State() != StateConnected {
		return contracts.ErrNotConnected
	}

	if err := c.transport.Subscribe(ctx, c.topics.Group(groupID), c.cfg.qos); err != nil {
		return fmt.Errorf("failed to subscribe group %s: %w", groupID, err)
	}

	c.mu.Lock()
	c.groups[groupID] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug("Joined group", "groupId", groupID)
	return nil
}

// UnsubscribeGroup leaves the message stream of groupID
func (c *Client) UnsubscribeGroup(ctx context.Context, groupID string) error {
	if err := validateGroupID(groupID); err != nil {
		return err
	}
	if c.State() != StateConnected {
		return contracts.ErrNotConnected
	}

	if err := c.transport.Unsubscribe(ctx, c.topics.Group(groupID)); err != nil {
		return fmt.Errorf("failed to unsubscribe group %s: %w", groupID, err)
	}

	c.mu.Lock()
	delete(c.groups, groupID)
	c.mu.Unlock()

	c.logger.Debug("Left group", "groupId", groupID)
	return nil
}

// Groups returns the joined group ids in sorted order
func (c *Client) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for id := range c.groups {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func validateGroupID(groupID string) error {
	if groupID == "" {
		return fmt.Errorf("group id cannot be empty")
	}
	if strings.ContainsAny(groupID, "/+#") {
		return fmt.Errorf("group id %q contains topic separators", groupID)
	}
	return nil
}
