package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// User is one digest recipient from the subscriber API.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type usersResponse struct {
	Users []User `json:"users"`
}

// FetchUsers pulls the subscriber list from the users API. Entries without
// an email address are dropped.
func FetchUsers(ctx context.Context, apiURL string) ([]User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create users request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("users request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("users API returned status %d", resp.StatusCode)
	}

	var payload usersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode users response: %w", err)
	}

	users := payload.Users[:0:0]
	for _, u := range payload.Users {
		u.Email = strings.TrimSpace(u.Email)
		if u.Email == "" {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}
