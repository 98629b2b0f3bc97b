package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/homecast/homecast/internal/relay/scope"
	"github.com/homecast/homecast/internal/relay/store"
)

// Fetcher builds compact state snapshots for splicing into tool descriptions.
// The snapshot is fetched live from the owning agent on every request that
// carries a placeholder, so clients always see current device values.
type Fetcher struct {
	store    *store.Store
	sessions agentLocator
	router   actionRouter
}

// agentLocator finds the agent serving a user.
type agentLocator interface {
	FirstAgentForUser(ctx context.Context, userID string) (string, bool, error)
}

// NewFetcher wires the snapshot source. Its Snapshot method satisfies the
// scoped mount's state callback.
func NewFetcher(st *store.Store, loc agentLocator, rt actionRouter) *Fetcher {
	return &Fetcher{store: st, sessions: loc, router: rt}
}

// Snapshot returns the compact state text for the scope. Failures degrade to
// short parenthesized notes rather than errors so the surrounding response
// still renders.
func (f *Fetcher) Snapshot(ctx context.Context, sc *scope.Scope) string {
	switch sc.Kind {
	case scope.KindHome:
		return f.homeSnapshot(ctx, sc.UserID, sc.HomeID)
	case scope.KindUser:
		return f.userSnapshot(ctx, sc.UserID)
	}
	return "(state unavailable)"
}

// Agent-side accessory shapes, trimmed to what the summary needs.

type accessoryData struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	RoomID   string        `json:"roomId"`
	RoomName string        `json:"roomName"`
	Services []serviceData `json:"services"`
}

type serviceData struct {
	ServiceType     string               `json:"serviceType"`
	Characteristics []characteristicData `json:"characteristics"`
}

type characteristicData struct {
	CharacteristicType string `json:"characteristicType"`
	Value              any    `json:"value"`
	IsWritable         bool   `json:"isWritable"`
}

type accessoriesResult struct {
	Accessories []accessoryData `json:"accessories"`
}

type serviceGroupData struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	AccessoryIDs []string `json:"accessoryIds"`
}

type serviceGroupsResult struct {
	ServiceGroups []serviceGroupData `json:"serviceGroups"`
}

func (f *Fetcher) fetchHome(ctx context.Context, agentID, homeID string) (accessoriesResult, serviceGroupsResult, error) {
	var accs accessoriesResult
	var groups serviceGroupsResult

	payload, _ := json.Marshal(map[string]any{"homeId": homeID, "includeValues": true})
	out, err := f.router.Route(ctx, agentID, "accessories.list", payload)
	if err != nil {
		return accs, groups, err
	}
	if err := json.Unmarshal(out, &accs); err != nil {
		return accs, groups, err
	}

	payload, _ = json.Marshal(map[string]any{"homeId": homeID})
	out, err = f.router.Route(ctx, agentID, "serviceGroups.list", payload)
	if err != nil {
		return accs, groups, err
	}
	if err := json.Unmarshal(out, &groups); err != nil {
		return accs, groups, err
	}
	return accs, groups, nil
}

// homeSnapshot summarizes one home as room -> accessory -> simplified state.
func (f *Fetcher) homeSnapshot(ctx context.Context, userID, homeID string) string {
	agentID, ok, err := f.sessions.FirstAgentForUser(ctx, userID)
	if err != nil {
		slog.Warn("state snapshot agent lookup failed", "user_id", userID, "error", err)
		return "(state unavailable)"
	}
	if !ok {
		return "(device not connected)"
	}

	accs, groups, err := f.fetchHome(ctx, agentID, homeID)
	if err != nil {
		slog.Warn("state snapshot fetch failed", "home_id", homeID, "error", err)
		return "(state unavailable)"
	}

	byID := make(map[string]accessoryData, len(accs.Accessories))
	for _, a := range accs.Accessories {
		if a.ID != "" {
			byID[a.ID] = a
		}
	}

	state := make(map[string]map[string]any)
	for _, a := range accs.Accessories {
		room := sanitizeName(orUnknown(a.RoomName))
		if state[room] == nil {
			state[room] = make(map[string]any)
		}
		state[room][sanitizeName(orUnknown(a.Name))] = simplifyAccessory(a)
	}

	// Service groups land in the room of their first member, summarized by
	// that member's state.
	for _, g := range groups.ServiceGroups {
		if len(g.AccessoryIDs) == 0 {
			continue
		}
		first, ok := byID[g.AccessoryIDs[0]]
		if !ok {
			continue
		}
		room := sanitizeName(orUnknown(first.RoomName))
		if state[room] == nil {
			state[room] = make(map[string]any)
		}
		state[room][sanitizeName(orUnknown(g.Name))] = simplifyAccessory(first)
	}

	out, err := json.Marshal(state)
	if err != nil {
		return "(state unavailable)"
	}
	return string(out)
}

// userSnapshot summarizes every home the user owns. Keys carry a short id
// suffix so identically named rooms or devices in different homes stay
// distinct. Homes whose fetch fails are skipped, not fatal.
func (f *Fetcher) userSnapshot(ctx context.Context, userID string) string {
	homes, err := f.store.ListHomesByUser(ctx, userID)
	if err != nil {
		slog.Warn("state snapshot home list failed", "user_id", userID, "error", err)
		return "(state unavailable)"
	}

	agentID, connected, err := f.sessions.FirstAgentForUser(ctx, userID)
	if err != nil {
		slog.Warn("state snapshot agent lookup failed", "user_id", userID, "error", err)
		return "(state unavailable)"
	}

	result := make(map[string]any)
	if connected {
		for _, home := range homes {
			accs, groups, err := f.fetchHome(ctx, agentID, home.HomeID)
			if err != nil {
				slog.Warn("state snapshot home fetch failed", "home_id", home.HomeID, "error", err)
				continue
			}

			byID := make(map[string]accessoryData, len(accs.Accessories))
			for _, a := range accs.Accessories {
				if a.ID != "" {
					byID[a.ID] = a
				}
			}

			homeState := make(map[string]map[string]any)
			for _, a := range accs.Accessories {
				room := uniqueKey(orUnknown(a.RoomName), a.RoomID)
				if homeState[room] == nil {
					homeState[room] = make(map[string]any)
				}
				homeState[room][uniqueKey(orUnknown(a.Name), a.ID)] = simplifyAccessory(a)
			}

			for _, g := range groups.ServiceGroups {
				if len(g.AccessoryIDs) == 0 {
					continue
				}
				first, ok := byID[g.AccessoryIDs[0]]
				if !ok {
					continue
				}
				room := uniqueKey(orUnknown(first.RoomName), first.RoomID)
				if homeState[room] == nil {
					homeState[room] = make(map[string]any)
				}

				groupState := simplifyAccessory(first)
				groupState["group"] = true
				members := make(map[string]any)
				for _, id := range g.AccessoryIDs {
					if m, ok := byID[id]; ok {
						members[uniqueKey(orUnknown(m.Name), id)] = simplifyAccessory(m)
					}
				}
				groupState["accessories"] = members
				homeState[room][uniqueKey(orUnknown(g.Name), g.ID)] = groupState
			}

			if len(homeState) > 0 {
				result[uniqueKey(home.Name, home.HomeID)] = homeState
			}
		}
	}

	result["_meta"] = map[string]any{
		"fetched_at": time.Now().UTC().Format(time.RFC3339),
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "(state unavailable)"
	}
	return string(out)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// sanitizeName turns display names into compact keys.
func sanitizeName(name string) string {
	return strings.ToLower(whitespaceRun.ReplaceAllString(strings.TrimSpace(name), "_"))
}

// uniqueKey appends the last four id characters so same-named entries in
// different homes do not collide.
func uniqueKey(name, id string) string {
	short := "0000"
	if len(id) >= 4 {
		short = strings.ToLower(id[len(id)-4:])
	}
	return sanitizeName(name) + "_" + short
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// charSimpleNames maps agent characteristic types to the short names used in
// summaries. Characteristics outside this table are dropped from snapshots.
var charSimpleNames = map[string]string{
	"power_state":                   "on",
	"active":                        "active",
	"brightness":                    "brightness",
	"hue":                           "hue",
	"saturation":                    "saturation",
	"color_temperature":             "color_temp",
	"current_temperature":           "current_temp",
	"target_temperature":            "target_temp",
	"heating_threshold":             "heat_target",
	"cooling_threshold":             "cool_target",
	"lock_current_state":            "locked",
	"lock_target_state":             "lock_target",
	"security_system_current_state": "alarm_state",
	"security_system_target_state":  "alarm_target",
	"motion_detected":               "motion",
	"contact_state":                 "contact",
	"battery_level":                 "battery",
	"current_position":              "position",
	"target_position":               "target_position",
	"volume":                        "volume",
	"mute":                          "mute",
}

// Info and firmware services carry nothing a summary needs.
var skipServices = map[string]bool{
	"accessory_information": true,
	"accessory-information": true,
	"protocol_information":  true,
	"battery":               true,
}

func simpleName(charType string) string {
	return charSimpleNames[strings.ReplaceAll(strings.ToLower(charType), "-", "_")]
}

func deviceType(a accessoryData) string {
	for _, s := range a.Services {
		t := strings.ToLower(s.ServiceType)
		if !skipServices[t] {
			return t
		}
	}
	return "unknown"
}

// simplifyAccessory flattens an accessory into its summary form: a device
// type, the recognized characteristic values, and which of them can be set.
func simplifyAccessory(a accessoryData) map[string]any {
	result := map[string]any{"type": deviceType(a)}
	var settable []string

	for _, svc := range a.Services {
		if skipServices[strings.ToLower(svc.ServiceType)] {
			continue
		}
		for _, ch := range svc.Characteristics {
			name := simpleName(ch.CharacteristicType)
			if name == "" || ch.Value == nil {
				continue
			}
			result[name] = ch.Value
			if ch.IsWritable && !slices.Contains(settable, name) {
				settable = append(settable, name)
			}
		}
	}
	if len(settable) > 0 {
		result["_settable"] = settable
	}
	return result
}
