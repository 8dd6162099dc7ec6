package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
)

// Subscriptions is the parsed subscriber roster plus shared secrets and
// selection defaults.
type Subscriptions struct {
	OracleAPIKey string
	Push         PushDefaults
	Selection    domain.SelectionDefaults
	Users        []domain.Subscriber
}

// PushDefaults carries delivery settings shared by all subscribers unless a
// subscriber overrides them.
type PushDefaults struct {
	Channel  string
	Template string
	Topic    string
	Option   string
}

type subscriptionsFile struct {
	Global struct {
		SiliconFlowAPIKey string `json:"siliconflow_api_key"`
		PushPlus          struct {
			Channel  string `json:"channel"`
			Template string `json:"template"`
			Topic    string `json:"topic"`
			Option   string `json:"option"`
		} `json:"pushplus"`
	} `json:"global"`
	Defaults struct {
		MaxCandidates int      `json:"max_candidates"`
		Model         string   `json:"model"`
		Temperature   *float32 `json:"temperature"`
	} `json:"defaults"`
	Users []struct {
		ID         string   `json:"id"`
		Name       string   `json:"name"`
		Enabled    *bool    `json:"enabled"`
		Token      string   `json:"token"`
		To         string   `json:"to"`
		Topic      string   `json:"topic"`
		Template   string   `json:"template"`
		Keywords   []string `json:"keywords"`
		Directions []string `json:"directions"`
	} `json:"users"`
}

// LoadSubscriptions reads and validates the subscriber roster. Disabled
// users are dropped; an enabled user without a push token is an error.
func LoadSubscriptions(path string) (*Subscriptions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions %s: %w", path, err)
	}

	var file subscriptionsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse subscriptions %s: %w", path, err)
	}

	subs := &Subscriptions{
		OracleAPIKey: strings.TrimSpace(file.Global.SiliconFlowAPIKey),
		Push: PushDefaults{
			Channel:  file.Global.PushPlus.Channel,
			Template: file.Global.PushPlus.Template,
			Topic:    file.Global.PushPlus.Topic,
			Option:   file.Global.PushPlus.Option,
		},
		Selection: domain.SelectionDefaults{
			MaxCandidates: file.Defaults.MaxCandidates,
			Model:         file.Defaults.Model,
			Temperature:   0.2,
		},
	}

	if v := os.Getenv(oracleKeyEnv); v != "" {
		subs.OracleAPIKey = strings.TrimSpace(v)
	}
	if subs.Selection.MaxCandidates <= 0 {
		subs.Selection.MaxCandidates = 120
	}
	if subs.Selection.Model == "" {
		subs.Selection.Model = "deepseek-ai/DeepSeek-V3"
	}
	if file.Defaults.Temperature != nil {
		t := *file.Defaults.Temperature
		if t < 0 {
			t = 0
		}
		if t > 1 {
			t = 1
		}
		subs.Selection.Temperature = t
	}

	seen := make(map[string]struct{}, len(file.Users))
	for i, u := range file.Users {
		if u.Enabled != nil && !*u.Enabled {
			continue
		}
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return nil, fmt.Errorf("subscriptions %s: user %d has no id", path, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("subscriptions %s: duplicate user id %q", path, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(u.Token) == "" {
			return nil, fmt.Errorf("subscriptions %s: user %q has no push token", path, id)
		}
		subs.Users = append(subs.Users, domain.Subscriber{
			ID:         id,
			Name:       u.Name,
			Token:      u.Token,
			To:         u.To,
			Topic:      u.Topic,
			Template:   u.Template,
			Keywords:   cleanTerms(u.Keywords),
			Directions: cleanTerms(u.Directions),
		})
	}

	return subs, nil
}

func cleanTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
