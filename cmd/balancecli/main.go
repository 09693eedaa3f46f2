// Package main is balancecli, a small operator tool for inspecting and
// adjusting a principal's sats balance directly in the bot's session
// store, without going through a zap receipt.
package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/fatih/color"

	"zapai.dev/pkg/session"
)

// cliArgs is the CLI's argument struct.
type cliArgs struct {
	DataDir   string `arg:"-d,--datadir,required" help:"path to the bot's badger data directory"`
	Principal string `arg:"-p,--principal,required" help:"hex-encoded pubkey to inspect"`
	Credit    int64  `arg:"-c,--credit" help:"sats to add to the principal's balance; omit to only print the balance"`
}

func main() {
	var a cliArgs
	arg.MustParse(&a)

	st := session.New()
	if err := st.Init(a.DataDir); err != nil {
		color.Red("error opening store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	if a.Credit < 0 {
		color.Red("credit amount must be positive")
		os.Exit(1)
	}
	if a.Credit > 0 {
		bal, err := st.Credit(a.Principal, a.Credit)
		if err != nil {
			color.Red("error crediting: %v", err)
			os.Exit(1)
		}
		color.Green("credited %d sats to %s, new balance %d sats", a.Credit, a.Principal, bal.Sats)
		return
	}

	bal, err := st.GetBalance(a.Principal)
	if err != nil {
		color.Red("error reading balance: %v", err)
		os.Exit(1)
	}
	fmt.Printf("%s: ", a.Principal)
	color.Cyan("%d sats", bal.Sats)
}
