package main

import "testing"

func TestParseTargetInfersSSHFromUserAndHost(t *testing.T) {
	tgt, err := parseTarget("root@10.0.0.5", "", false, false, 0)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.Protocol != "ssh" {
		t.Errorf("Protocol = %q, want ssh", tgt.Protocol)
	}
	if tgt.User != "root" || tgt.Host != "10.0.0.5" {
		t.Errorf("User/Host = %q/%q", tgt.User, tgt.Host)
	}
}

func TestParseTargetInfersConnectFromHostAndPort(t *testing.T) {
	tgt, err := parseTarget("10.0.0.5:4444", "", false, false, 0)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.Protocol != "connect" {
		t.Errorf("Protocol = %q, want connect", tgt.Protocol)
	}
	if tgt.Port != 4444 {
		t.Errorf("Port = %d, want 4444", tgt.Port)
	}
}

func TestParseTargetInfersBindFromNoHost(t *testing.T) {
	tgt, err := parseTarget(":4444", "", false, false, 0)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.Protocol != "bind" {
		t.Errorf("Protocol = %q, want bind", tgt.Protocol)
	}
	if tgt.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0 (bind-all default)", tgt.Host)
	}
	if tgt.Port != 4444 {
		t.Errorf("Port = %d, want 4444", tgt.Port)
	}
}

func TestParseTargetExplicitSchemeWins(t *testing.T) {
	tgt, err := parseTarget("ssl-connect://10.0.0.5:443", "", false, false, 0)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.Protocol != "ssl-connect" {
		t.Errorf("Protocol = %q, want ssl-connect", tgt.Protocol)
	}
}

func TestParseTargetNetcatStyleSecondPositionalPort(t *testing.T) {
	tgt, err := parseTarget("10.0.0.5", "4444", false, false, 0)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.Protocol != "connect" {
		t.Errorf("Protocol = %q, want connect", tgt.Protocol)
	}
	if tgt.Port != 4444 {
		t.Errorf("Port = %d, want 4444 from the netcat-style second argument", tgt.Port)
	}
}

func TestParseTargetSSLFlagAddsPrefix(t *testing.T) {
	tgt, err := parseTarget("10.0.0.5:4444", "", false, true, 0)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.Protocol != "ssl-connect" {
		t.Errorf("Protocol = %q, want ssl-connect (forced by --ssl)", tgt.Protocol)
	}
}

func TestParseTargetListenFlagForcesBind(t *testing.T) {
	tgt, err := parseTarget("10.0.0.5:4444", "", true, false, 0)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.Protocol != "bind" {
		t.Errorf("Protocol = %q, want bind (forced by --listen)", tgt.Protocol)
	}
}

func TestParseTargetQueryString(t *testing.T) {
	tgt, err := parseTarget("10.0.0.5:4444?count_limit=3&drop_duplicate=true", "", false, false, 0)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.Query.Get("count_limit") != "3" {
		t.Errorf("Query[count_limit] = %q, want 3", tgt.Query.Get("count_limit"))
	}
	if tgt.Query.Get("drop_duplicate") != "true" {
		t.Errorf("Query[drop_duplicate] = %q, want true", tgt.Query.Get("drop_duplicate"))
	}
}

func TestParseTargetExplicitPortFlagOverridesParsed(t *testing.T) {
	tgt, err := parseTarget("10.0.0.5:4444", "", false, false, 9999)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.Port != 9999 {
		t.Errorf("Port = %d, want 9999 (explicit --port wins)", tgt.Port)
	}
}

func TestParseTargetUserAndPassword(t *testing.T) {
	tgt, err := parseTarget("alice:s3cret@10.0.0.5", "", false, false, 0)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if tgt.User != "alice" || tgt.Password != "s3cret" {
		t.Errorf("User/Password = %q/%q", tgt.User, tgt.Password)
	}
}

func TestParseTargetRejectsInvalidPort(t *testing.T) {
	if _, err := parseTarget("10.0.0.5:notaport", "", false, false, 0); err == nil {
		t.Errorf("parseTarget with a non-numeric port should error")
	}
}
