package name

import "testing"

func TestValidateService(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"anthropic", false},
		{"openai", false},
		{"ms-teams", false},
		{"api.v2", false},
		{"my_service", false},
		{"0service", false},
		{"a", false},
		{"", true},
		{"_health", true},
		{"_hostmap", true},
		{"-leading", true},
		{".leading", true},
		{"UPPER", true},
		{"has space", true},
		{"../etc", true},
		{"a/b", true},
		{"a:b", true},
		{"a\x00b", true},
		{"..", true},
	}
	for _, tt := range tests {
		err := ValidateService(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateService(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestValidateKey(t *testing.T) {
	if err := ValidateKey("api_key"); err != nil {
		t.Errorf("ValidateKey(api_key) = %v, want nil", err)
	}
	if err := ValidateKey("client-secret.v1"); err != nil {
		t.Errorf("ValidateKey(client-secret.v1) = %v, want nil", err)
	}
	if err := ValidateKey("$(rm -rf /)"); err == nil {
		t.Error("ValidateKey with shell metacharacters should fail")
	}
	if err := ValidateKey("../../escape"); err == nil {
		t.Error("ValidateKey with traversal should fail")
	}
}

func TestMaxLen(t *testing.T) {
	long := make([]byte, MaxLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateService(string(long)); err == nil {
		t.Error("over-length name should fail")
	}
	if err := ValidateService(string(long[:MaxLen])); err != nil {
		t.Errorf("name at MaxLen should pass, got %v", err)
	}
}
