package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "REDIS_DB", "STUN_URLS", "ICE_SERVERS_JSON", "ICE_CANDIDATE_POOL_SIZE", "EVENT_BUFFER_SIZE", "ALLOWED_ORIGINS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port=%q, want 8080", cfg.Port)
	}
	if cfg.ICE.CandidatePoolSize != DefaultCandidatePoolSize {
		t.Fatalf("CandidatePoolSize=%d, want %d", cfg.ICE.CandidatePoolSize, DefaultCandidatePoolSize)
	}
	if len(cfg.ICE.Servers) != 1 || len(cfg.ICE.Servers[0].URLs) != len(DefaultSTUNURLs) {
		t.Fatalf("ICE servers=%+v, want default STUN list", cfg.ICE.Servers)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins=%v, want 2 entries", cfg.AllowedOrigins)
	}

	pc := cfg.ICE.WebRTC()
	if pc.ICECandidatePoolSize != DefaultCandidatePoolSize || len(pc.ICEServers) != 1 {
		t.Fatalf("WebRTC()=%+v", pc)
	}
}

func TestLoad_StunURLs(t *testing.T) {
	t.Setenv("ICE_SERVERS_JSON", "")
	t.Setenv("STUN_URLS", "stun:a.example.com:3478, stun:b.example.com:3478")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := cfg.ICE.Servers[0].URLs
	if len(got) != 2 || got[1] != "stun:b.example.com:3478" {
		t.Fatalf("URLs=%v", got)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"ICE_CANDIDATE_POOL_SIZE": "300",
		"REDIS_DB":                "zero",
		"EVENT_BUFFER_SIZE":       "0",
		"STUN_URLS":               "http://example.com",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("ICE_SERVERS_JSON", "")
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load with %s=%q: expected error", key, value)
			}
		})
	}
}

func TestParseICEServersJSON(t *testing.T) {
	servers, err := ParseICEServersJSON(`[
		{"urls": "stun:stun1.l.google.com:19302"},
		{"urls": ["turn:turn.example.com:3478", " "], "username": "u", "credential": "p"}
	]`)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if len(servers[1].URLs) != 1 {
		t.Fatalf("blank url not trimmed: %v", servers[1].URLs)
	}

	if _, err := ParseICEServersJSON(`[{"urls": "turn:turn.example.com"}]`); err == nil {
		t.Fatalf("expected error for turn server without credentials")
	}
	if _, err := ParseICEServersJSON(`[{"urls": []}]`); err == nil {
		t.Fatalf("expected error for server without urls")
	}
}
