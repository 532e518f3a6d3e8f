package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/O-Tiger/WebServiceTwitchBot/crypto"
	"github.com/O-Tiger/WebServiceTwitchBot/db"
	"github.com/O-Tiger/WebServiceTwitchBot/testutil"
)

func seed(t *testing.T) (plain, sealed *db.Store) {
	t.Helper()
	database := testutil.SetupSQLite(t)
	sealer, err := crypto.NewAESSealer(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	if err != nil {
		t.Fatal(err)
	}
	plain = db.NewStore(database, nil)
	ctx := context.Background()
	for _, p := range []string{"twitch", "generator"} {
		if err := plain.UpsertOAuthToken(ctx, p, db.TokenRecord{AccessToken: p + "-access", RefreshToken: p + "-refresh"}); err != nil {
			t.Fatal(err)
		}
	}
	return plain, db.NewStore(database, sealer)
}

func TestMigrateTokensDryRun(t *testing.T) {
	plain, sealed := seed(t)
	var out bytes.Buffer
	n, err := migrateTokens(context.Background(), sealed, true, "", &out)
	if err != nil || n != 2 {
		t.Fatalf("dry run = %d, %v", n, err)
	}
	if !strings.Contains(out.String(), "would seal twitch") {
		t.Errorf("output = %q", out.String())
	}
	left, _ := plain.PlaintextProviders(context.Background())
	if len(left) != 2 {
		t.Errorf("dry run modified rows: %v", left)
	}
}

func TestMigrateTokensSealsAndReads(t *testing.T) {
	plain, sealed := seed(t)
	ctx := context.Background()
	var out bytes.Buffer
	n, err := migrateTokens(ctx, sealed, false, "twitch", &out)
	if err != nil || n != 1 {
		t.Fatalf("migrate = %d, %v", n, err)
	}
	left, _ := plain.PlaintextProviders(ctx)
	if len(left) != 1 || left[0] != "generator" {
		t.Errorf("plaintext left = %v", left)
	}
	rec, found, err := sealed.GetOAuthToken(ctx, "twitch")
	if err != nil || !found || rec.AccessToken != "twitch-access" {
		t.Errorf("sealed read = %+v %v %v", rec, found, err)
	}
	if _, _, err := plain.GetOAuthToken(ctx, "twitch"); err == nil {
		t.Error("sealed token readable without key")
	}

	out.Reset()
	if n, err := migrateTokens(ctx, sealed, false, "", &out); err != nil || n != 1 {
		t.Errorf("second pass = %d, %v", n, err)
	}
	out.Reset()
	if n, _ := migrateTokens(ctx, sealed, false, "", &out); n != 0 || !strings.Contains(out.String(), "no plaintext") {
		t.Errorf("third pass = %d %q", n, out.String())
	}
}
