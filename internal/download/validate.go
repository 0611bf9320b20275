package download

import (
	"net/url"
	"path/filepath"
)

// ValidatePath checks that path is non-empty, absolute and names a file. A
// path ending in "." or ".." names a directory and is rejected.
func ValidatePath(path string) error {
	if path == "" {
		return &PathError{Path: path, Reason: "path cannot be empty"}
	}

	if !filepath.IsAbs(path) {
		return &PathError{Path: path, Reason: "path must be absolute"}
	}

	switch filepath.Base(path) {
	case string(filepath.Separator), ".", "..":
		return &PathError{Path: path, Reason: "path must have a filename"}
	}

	return nil
}

// ValidateURL checks that rawURL is a non-empty http or https URL with a host.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return &URLError{URL: rawURL, Reason: "url cannot be empty"}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return &URLError{URL: rawURL, Reason: "malformed url", Err: err}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &URLError{URL: rawURL, Reason: "scheme must be http or https"}
	}

	if u.Hostname() == "" {
		return &URLError{URL: rawURL, Reason: "url must have a host"}
	}

	return nil
}
