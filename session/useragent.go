package session

import "strings"

// ParseUserAgent guesses device type, OS and browser from a User-Agent
// header. It is a substring heuristic, not a full parser.
func ParseUserAgent(ua string) (deviceType, os, browser string) {
	l := strings.ToLower(ua)

	deviceType = "desktop"
	switch {
	case strings.Contains(l, "ipad") || strings.Contains(l, "tablet"):
		deviceType = "tablet"
	case strings.Contains(l, "mobile") || strings.Contains(l, "android") || strings.Contains(l, "iphone"):
		deviceType = "mobile"
	}

	// Android and iOS UAs also mention Linux and Mac OS, so match them first.
	switch {
	case strings.Contains(l, "android"):
		os = "Android"
	case strings.Contains(l, "iphone") || strings.Contains(l, "ipad") || strings.Contains(l, " ios"):
		os = "iOS"
	case strings.Contains(l, "windows"):
		os = "Windows"
	case strings.Contains(l, "mac os") || strings.Contains(l, "macos"):
		os = "macOS"
	case strings.Contains(l, "linux"):
		os = "Linux"
	}

	switch {
	case strings.Contains(l, "edg"):
		browser = "Edge"
	case strings.Contains(l, "firefox") || strings.Contains(l, "fxios"):
		browser = "Firefox"
	case strings.Contains(l, "chrome") || strings.Contains(l, "crios"):
		browser = "Chrome"
	case strings.Contains(l, "safari"):
		browser = "Safari"
	}
	return deviceType, os, browser
}

func (d *DeviceInfo) fillFromUserAgent() {
	if d.UserAgent == "" {
		return
	}
	deviceType, os, browser := ParseUserAgent(d.UserAgent)
	if d.DeviceType == "" {
		d.DeviceType = deviceType
	}
	if d.OS == "" {
		d.OS = os
	}
	if d.Browser == "" {
		d.Browser = browser
	}
}
