package config

import "testing"

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero max connections", func(s *Settings) { s.MaxConnections = 0 }},
		{"min exceeds max", func(s *Settings) { s.MinConnections = s.MaxConnections + 1 }},
		{"negative min", func(s *Settings) { s.MinConnections = -1 }},
		{"pipelining enabled", func(s *Settings) { s.PipeliningLimit = 4 }},
		{"negative subscription timeout", func(s *Settings) { s.ResponseEntitySubscriptionTimeout = -1 }},
		{"negative max retries", func(s *Settings) { s.MaxRetries = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			tc.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}
