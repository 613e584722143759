package cli

import "testing"

func TestRootCommandRegistersSubcommands(t *testing.T) {
	want := []string{"serve", "migrate", "accounts", "keys"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil {
			t.Fatalf("Find(%q): %v", name, err)
		}
		if cmd.Name() != name {
			t.Errorf("Find(%q) resolved to %q", name, cmd.Name())
		}
	}
}

func TestOauthStartCommandRequiresExactlyOneArg(t *testing.T) {
	if err := oauthStartCmd.Args(oauthStartCmd, nil); err == nil {
		t.Error("expected error for zero args")
	}
	if err := oauthStartCmd.Args(oauthStartCmd, []string{"codex"}); err != nil {
		t.Errorf("unexpected error for one arg: %v", err)
	}
	if err := oauthStartCmd.Args(oauthStartCmd, []string{"codex", "extra"}); err == nil {
		t.Error("expected error for two args")
	}
}

func TestOauthCompleteCommandRequiresThreeArgs(t *testing.T) {
	if err := oauthCompleteCmd.Args(oauthCompleteCmd, []string{"codex", "state"}); err == nil {
		t.Error("expected error for two args")
	}
	if err := oauthCompleteCmd.Args(oauthCompleteCmd, []string{"codex", "state", "code"}); err != nil {
		t.Errorf("unexpected error for three args: %v", err)
	}
}

func TestAccountsListCommandAcceptsAtMostOneArg(t *testing.T) {
	if err := accountsListCmd.Args(accountsListCmd, nil); err != nil {
		t.Errorf("unexpected error for zero args: %v", err)
	}
	if err := accountsListCmd.Args(accountsListCmd, []string{"codex", "extra"}); err == nil {
		t.Error("expected error for two args")
	}
}
