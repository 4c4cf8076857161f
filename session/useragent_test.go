package session

import "testing"

func TestParseUserAgent(t *testing.T) {
	cases := []struct {
		ua                  string
		device, os, browser string
	}{
		{
			ua:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
			device: "desktop", os: "macOS", browser: "Safari",
		},
		{
			ua:     "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36",
			device: "mobile", os: "Android", browser: "Chrome",
		},
		{
			ua:     "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			device: "mobile", os: "iOS", browser: "Safari",
		},
		{
			ua:     "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			device: "tablet", os: "iOS", browser: "Safari",
		},
		{
			ua:     "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			device: "desktop", os: "Linux", browser: "Firefox",
		},
		{
			ua:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
			device: "desktop", os: "Windows", browser: "Edge",
		},
		{ua: "curl/8.4.0", device: "desktop"},
	}

	for _, tc := range cases {
		device, os, browser := ParseUserAgent(tc.ua)
		if device != tc.device || os != tc.os || browser != tc.browser {
			t.Fatalf("ParseUserAgent(%q) = %q %q %q, want %q %q %q", tc.ua, device, os, browser, tc.device, tc.os, tc.browser)
		}
	}
}

func TestExplicitDeviceFieldsWin(t *testing.T) {
	d := DeviceInfo{UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0", DeviceType: "kiosk"}
	d.fillFromUserAgent()
	if d.DeviceType != "kiosk" || d.OS != "Windows" || d.Browser != "Chrome" {
		t.Fatalf("unexpected device info: %+v", d)
	}
}
