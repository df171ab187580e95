package scraper

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const stateFile = "state.json"

type savedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type savedState struct {
	SavedAt time.Time     `json:"saved_at"`
	Origin  string        `json:"origin"`
	Cookies []savedCookie `json:"cookies"`
}

// saveState writes the portal cookies so a restart can skip the login form.
func (c *Client) saveState() error {
	if c.stateDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.stateDir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	st := savedState{SavedAt: time.Now(), Origin: c.base.String()}
	for _, ck := range c.client.Jar.Cookies(c.base) {
		st.Cookies = append(st.Cookies, savedCookie{Name: ck.Name, Value: ck.Value})
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	path := filepath.Join(c.stateDir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	c.logger.Debug("Session state saved", "path", path, "cookies", len(st.Cookies))
	return nil
}

// restoreState loads cookies saved for the same origin. A missing file is not an error.
func (c *Client) restoreState() error {
	if c.stateDir == "" {
		return nil
	}
	path := filepath.Join(c.stateDir, stateFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	var st savedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}
	if st.Origin != c.base.String() {
		c.logger.Info("Ignoring session state for a different portal", "origin", st.Origin)
		return nil
	}

	cookies := make([]*http.Cookie, 0, len(st.Cookies))
	for _, sc := range st.Cookies {
		cookies = append(cookies, &http.Cookie{Name: sc.Name, Value: sc.Value, Path: "/"})
	}
	c.client.Jar.SetCookies(c.base, cookies)
	c.logger.Info("Session state restored", "path", path, "cookies", len(cookies), "saved_at", st.SavedAt)
	return nil
}

// snapshot stores the HTML of a page that could not be handled.
func (c *Client) snapshot(name string, raw []byte) {
	if !c.saveSnapshots || c.snapshotDir == "" || len(raw) == 0 {
		return
	}
	if err := os.MkdirAll(c.snapshotDir, 0o755); err != nil {
		c.logger.Warn("Failed to create snapshot directory", "error", err)
		return
	}
	path := filepath.Join(c.snapshotDir, fmt.Sprintf("%s_%s.html", name, time.Now().UTC().Format("20060102_150405")))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		c.logger.Warn("Failed to save snapshot", "path", path, "error", err)
		return
	}
	c.logger.Info("Saved page snapshot", "path", path)
}
