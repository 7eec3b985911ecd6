package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// listKeys are the object keys that may hold the pending-alert list, tried in
// order. Definedge answers with pendingGTTOrderBook; the rest cover older and
// third-party wrappers.
var listKeys = []string{"pendingGTTOrderBook", "data", "alerts", "alerts_list", "gtts", "items", "result"}

// idKeys are the entry keys that may hold an alert id, tried in order.
var idKeys = []string{"alert_id", "id", "alertId", "alertID"}

// ParseAlertIDs decodes a raw alert-listing body and normalizes it into an
// AlertSet. See NormalizeAlertIDs for the accepted shapes.
func ParseAlertIDs(body []byte) (AlertSet, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decoding alert list: %v", ErrMalformedResponse, err)
	}
	return NormalizeAlertIDs(v)
}

// NormalizeAlertIDs extracts pending alert ids from a decoded listing.
//
// Shapes are resolved in this order:
//
//  1. a bare list of entries;
//  2. an object whose "status" is present and not SUCCESS is a rejection;
//  3. an object holding the list under one of listKeys (a nested object
//     under such a key is searched the same way, null means empty);
//  4. an object holding any other list-valued key, in sorted key order;
//  5. an object with status SUCCESS and no list at all is empty.
//
// Entries are objects carrying one of idKeys, or bare string/number ids.
// Anything else is ErrMalformedResponse so that a parse problem can never be
// mistaken for "every alert is gone".
func NormalizeAlertIDs(v any) (AlertSet, error) {
	entries, err := alertEntries(v)
	if err != nil {
		return nil, err
	}
	set := make(AlertSet, len(entries))
	for i, e := range entries {
		id, ok := entryID(e)
		if !ok {
			return nil, fmt.Errorf("%w: alert entry %d has no id", ErrMalformedResponse, i)
		}
		set[id] = struct{}{}
	}
	return set, nil
}

func alertEntries(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		if err := checkStatus(t); err != nil {
			return nil, err
		}
		for _, k := range listKeys {
			raw, ok := t[k]
			if !ok {
				continue
			}
			switch inner := raw.(type) {
			case nil:
				return nil, nil
			case []any:
				return inner, nil
			case map[string]any:
				if entries, err := alertEntries(inner); err == nil {
					return entries, nil
				}
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if inner, ok := t[k].([]any); ok {
				return inner, nil
			}
		}
		if isSuccess(t["status"]) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: no alert list in response", ErrMalformedResponse)
	}
	return nil, fmt.Errorf("%w: unexpected alert list type %T", ErrMalformedResponse, v)
}

func entryID(e any) (string, bool) {
	if m, ok := e.(map[string]any); ok {
		for _, k := range idKeys {
			if id, ok := scalarString(m[k]); ok && id != "" {
				return id, true
			}
		}
		return "", false
	}
	id, ok := scalarString(e)
	return id, ok && id != ""
}

// scalarString renders a JSON scalar id as a string. Numbers keep their
// literal digits when decoded with UseNumber.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

// checkStatus rejects objects whose status field says the call failed.
func checkStatus(m map[string]any) error {
	raw, ok := m["status"]
	if !ok || isSuccess(raw) {
		return nil
	}
	msg, _ := m["message"].(string)
	return fmt.Errorf("%w: status %v: %s", ErrRejected, raw, msg)
}

func isSuccess(v any) bool {
	s, ok := v.(string)
	return ok && strings.EqualFold(s, "SUCCESS")
}

// placedAlertID extracts the alert id from a placement response object.
func placedAlertID(m map[string]any) (string, error) {
	if err := checkStatus(m); err != nil {
		return "", err
	}
	for _, k := range []string{"alert_id", "alertId", "id", "alertID"} {
		if id, ok := scalarString(m[k]); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: placement response carries no alert id", ErrMalformedResponse)
}
