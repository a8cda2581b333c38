package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pepperpark/mailshift/internal/mailstore"
	"github.com/pepperpark/mailshift/internal/syncer"
)

// flexBool accepts true, "true", 1 and "1". Browser forms send all of them.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "on", "yes":
		*b = true
	case "false", "0", "off", "no", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// flexInt accepts numbers and numeric strings. Empty means zero.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = flexInt(v)
	return nil
}

// flexList accepts a comma separated string or a JSON array of strings.
type flexList []string

func (l *flexList) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid folder list %s", data)
		}
		items = strings.Split(s, ",")
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	*l = out
	return nil
}

type syncRequest struct {
	SyncID string `json:"sync_id"`

	SrcHost     string   `json:"src_host"`
	SrcPort     flexInt  `json:"src_port"`
	SrcUser     string   `json:"src_user"`
	SrcPass     string   `json:"src_pass"`
	SrcSecure   flexBool `json:"src_secure"`
	SrcStartTLS flexBool `json:"src_starttls"`

	DestHost     string   `json:"dest_host"`
	DestPort     flexInt  `json:"dest_port"`
	DestUser     string   `json:"dest_user"`
	DestPass     string   `json:"dest_pass"`
	DestSecure   flexBool `json:"dest_secure"`
	DestStartTLS flexBool `json:"dest_starttls"`

	Concurrency    flexInt           `json:"concurrency"`
	DryRun         flexBool          `json:"dry_run"`
	SinceDate      string            `json:"since_date"`
	ExcludeFolders flexList          `json:"exclude_folders"`
	FolderMapping  map[string]string `json:"folder_mapping"`
	SmartMap       flexBool          `json:"smart_map"`
}

var sinceLayouts = []string{"2006-01-02", "02-Jan-2006", "2-Jan-2006"}

// parseSince reads YYYY-MM-DD or the IMAP DD-Mon-YYYY form. The result is
// midnight UTC of that day.
func parseSince(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range sinceLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid since_date %q (want YYYY-MM-DD or DD-Mon-YYYY)", s)
}

func endpoint(host string, port flexInt, user, pass string, secure, starttls flexBool) mailstore.Endpoint {
	p := int(port)
	if p == 0 {
		p = 993
	}
	return mailstore.Endpoint{
		Host:     strings.TrimSpace(host),
		Port:     p,
		User:     user,
		Password: pass,
		TLS:      bool(secure),
		StartTLS: bool(starttls),
	}
}

func (r syncRequest) config() (syncer.Config, error) {
	since, err := parseSince(r.SinceDate)
	if err != nil {
		return syncer.Config{}, err
	}
	cfg := syncer.Config{
		ID:          strings.TrimSpace(r.SyncID),
		Source:      endpoint(r.SrcHost, r.SrcPort, r.SrcUser, r.SrcPass, r.SrcSecure, r.SrcStartTLS),
		Destination: endpoint(r.DestHost, r.DestPort, r.DestUser, r.DestPass, r.DestSecure, r.DestStartTLS),
		Concurrency: int(r.Concurrency),
		DryRun:      bool(r.DryRun),
		Since:       since,
		Exclude:     []string(r.ExcludeFolders),
		Map:         r.FolderMapping,
		SmartMap:    bool(r.SmartMap),
	}
	if cfg.Source.Host == "" {
		return cfg, fmt.Errorf("source host is required")
	}
	if !cfg.DryRun && cfg.Destination.Host == "" {
		return cfg, fmt.Errorf("destination host is required")
	}
	return cfg, nil
}

type stopRequest struct {
	SyncID string `json:"sync_id"`
}

type testConnectionRequest struct {
	Host     string   `json:"host"`
	Port     flexInt  `json:"port"`
	User     string   `json:"user"`
	Pass     string   `json:"pass"`
	Secure   flexBool `json:"secure"`
	StartTLS flexBool `json:"starttls"`
}
