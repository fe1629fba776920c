// flightrecctl controls a running flightrecd.
//
// With arguments it runs one command and exits:
//
//	flightrecctl rotate
//	flightrecctl query "SELECT path, user_bytes FROM chunks"
//
// Without arguments on a terminal it opens an interactive console.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/xtxerr/flightrec/config"
	"github.com/xtxerr/flightrec/internal/ctl"
	"golang.org/x/term"
)

func main() {
	socket := flag.String("socket", config.DefaultControlSocket, "control socket")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	c, err := ctl.Dial(context.Background(), ctl.ClientConfig{
		Socket:         *socket,
		RequestTimeout: *timeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *socket, err)
		os.Exit(1)
	}
	defer c.Close()

	if flag.NArg() > 0 {
		if err := run(c, flag.Args()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "no command given and stdin is not a terminal")
		os.Exit(2)
	}

	fmt.Printf("connected to %s; type 'help' for commands, 'exit' to quit\n", *socket)
	p := prompt.New(
		func(line string) { execute(c, line) },
		complete,
		prompt.OptionPrefix("flightrec> "),
		prompt.OptionTitle("flightrecctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			in = strings.TrimSpace(in)
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}

// run executes one command given as arguments.
func run(c *ctl.Client, args []string) error {
	cmd := args[0]
	var params map[string]any
	if cmd == ctl.CmdQuery {
		if len(args) < 2 {
			return fmt.Errorf("usage: query <sql>")
		}
		params = map[string]any{"sql": strings.Join(args[1:], " ")}
	}

	res, err := c.Do(context.Background(), cmd, params)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return printResult(res)
}

func execute(c *ctl.Client, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "exit", "quit":
		return
	case "help":
		for _, name := range ctl.CommandNames() {
			fmt.Printf("  %-12s %s\n", name, ctl.Commands[name])
		}
		return
	}
	if err := run(c, fields); err != nil {
		fmt.Println("error:", err)
	}
}

func complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	s := make([]prompt.Suggest, 0, len(ctl.Commands)+2)
	for _, name := range ctl.CommandNames() {
		s = append(s, prompt.Suggest{Text: name, Description: ctl.Commands[name]})
	}
	s = append(s,
		prompt.Suggest{Text: "help", Description: "list commands"},
		prompt.Suggest{Text: "exit", Description: "leave the console"})
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func printResult(v any) error {
	if v == nil {
		fmt.Println("ok")
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
