package reverse

import "testing"

func TestClassify(t *testing.T) {
	const domain = "test.xray.com"
	cases := []struct {
		target string
		want   Class
	}{
		{"test.xray.com", ControlCandidate},
		{"test.xray.com:443", ControlCandidate},
		{"evil.test.xray.com", DataTraffic},
		{"test.xray.com.evil", DataTraffic},
		{"xray.com", DataTraffic},
		{"TEST.xray.com", DataTraffic},
		{"", DataTraffic},
		{"127.0.0.1", DataTraffic},
		{"127.0.0.1:80", DataTraffic},
		{"[::1]:80", DataTraffic},
		{"::1", DataTraffic},
		{"example.com:80", DataTraffic},
		{" test.xray.com", DataTraffic},
		{"test.xray.com ", DataTraffic},
		{" test.xray.com:443", DataTraffic},
		{"test.xray.com\n", DataTraffic},
	}
	for _, c := range cases {
		if got := Classify(c.target, domain); got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.target, got, c.want)
		}
	}
}

func TestClassifyEmptyDomainNeverMatches(t *testing.T) {
	if got := Classify("", ""); got != DataTraffic {
		t.Fatalf("empty target with empty domain classified as %v", got)
	}
	if got := Classify("anything", ""); got != DataTraffic {
		t.Fatalf("got %v", got)
	}
}
