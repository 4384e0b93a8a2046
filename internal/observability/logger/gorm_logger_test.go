package logger

import "testing"

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM invoices":                                  "SELECT",
		"  insert into processed_webhook_events (provider) values": "INSERT",
		"WITH paid AS (SELECT 1) UPDATE payments SET status = 'x'":  "SELECT",
		"":                                                        "UNKNOWN",
		"VACUUM":                                                  "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}
