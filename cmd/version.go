package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-version"
)

// AppVersion is stamped by the release build.
var AppVersion = "v0.0.0"

const releaseURL = "https://api.github.com/repos/nulzo/model-publisher/releases/latest"

// CheckForUpdates compares the running build against the newest published
// release and prints a notice when it lags. Advisory only: failures are
// silent and never block startup.
func CheckForUpdates() {
	current, err := version.NewVersion(AppVersion)
	if err != nil {
		return
	}

	latest, err := latestRelease()
	if err != nil {
		return
	}

	if current.LessThan(latest) {
		fmt.Printf("model-publisher %s is available (running %s); pull the latest image.\n",
			latest, AppVersion)
	}
}

func latestRelease() (*version.Version, error) {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(releaseURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from release endpoint", resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, err
	}
	return version.NewVersion(release.TagName)
}
