// Bench console for SIM800-class modems: type AT commands, see raw replies.
package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/sensorlink/hardware/modem"
	"github.com/temoto/sensorlink/helpers/cli"
	"github.com/temoto/sensorlink/log2"
)

const usage = `syntax: commands separated by whitespace
(main)
- AT...      transmit line with CRLF, show everything the modem says
- sN         pause N milliseconds

(meta)
- log=yes    enable debug logging
- log=no     disable debug logging
- loop=N     repeat N times all commands on this line
- help       this
`

var log = log2.NewStderr(log2.LDebug)

const replyQuiet = 300 * time.Millisecond

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	devicePath := cmdline.String("device", "/dev/ttyAMA0", "")
	baud := cmdline.Int("baud", 115200, "")
	cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	port := modem.NewFilePort()
	if err := port.Open(*devicePath, *baud); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer port.Close()

	cli.MainLoop("sensorlink-modem-cli", newExecutor(port), completer)
}

func completer(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "AT", Description: "probe modem"},
		{Text: "ATE0", Description: "echo off"},
		{Text: "AT+SAPBR=2,1", Description: "query bearer"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "log=yes", Description: "debug logging on"},
		{Text: "log=no", Description: "debug logging off"},
		{Text: "loop=N", Description: "repeat line N times"},
		{Text: "help", Description: "usage"},
	}
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}

func newExecutor(port modem.Porter) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		words := strings.Fields(line)
		loop := 1
		cmds := make([]string, 0, len(words))
		for _, word := range words {
			if n, ok := parseIntSuffix(word, "loop="); ok {
				loop = n
				continue
			}
			cmds = append(cmds, word)
		}
		for i := 0; i < loop; i++ {
			for _, cmd := range cmds {
				if err := execute(port, cmd); err != nil {
					log.Errorf(errors.ErrorStack(err))
					return
				}
			}
		}
	}
}

func execute(port modem.Porter, cmd string) error {
	switch {
	case cmd == "help":
		log.Infof(usage)
		return nil
	case cmd == "log=yes":
		log.SetLevel(log2.LDebug)
		return nil
	case cmd == "log=no":
		log.SetLevel(log2.LError)
		return nil
	}
	if n, ok := parseIntSuffix(cmd, "s"); ok {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return nil
	}

	log.Debugf("tx %s", cmd)
	if _, err := port.Write([]byte(cmd + "\r\n")); err != nil {
		return errors.Annotatef(err, "tx %s", cmd)
	}
	return drain(port)
}

// drain prints modem output until it stays quiet for replyQuiet.
func drain(port modem.Porter) error {
	buf := make([]byte, 512)
	quietSince := time.Now()
	for time.Since(quietSince) < replyQuiet {
		n, err := port.Read(buf)
		if err != nil {
			if errors.IsTimeout(err) {
				continue
			}
			return errors.Trace(err)
		}
		if n > 0 {
			os.Stdout.Write(buf[:n])
			quietSince = time.Now()
		}
	}
	return nil
}

func parseIntSuffix(word, prefix string) (int, bool) {
	if !strings.HasPrefix(word, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(word[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
