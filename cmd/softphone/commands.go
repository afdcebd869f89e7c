package main

import (
	"errors"
	"fmt"
	"strings"
)

const (
	cmdRegister = "register"
	cmdCall     = "call"
	cmdAnswer   = "answer"
	cmdHold     = "hold"
	cmdResume   = "resume"
	cmdHangup   = "hangup"
	cmdStatus   = "status"
	cmdHelp     = "help"
	cmdQuit     = "quit"
)

const usage = `commands:
  register      register on the server from the profile URI
  call <uri>    call sip:user@host
  answer        answer the ringing call
  hold          put the call on hold
  resume        resume the call
  hangup        end, cancel or reject the call
  status        print session states
  quit          exit`

var errEmpty = errors.New("empty command")

type command struct {
	name string
	arg  string
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errEmpty
	}
	cmd := command{name: strings.ToLower(fields[0])}

	switch cmd.name {
	case cmdCall:
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: call <uri>")
		}
		cmd.arg = fields[1]
		if !strings.HasPrefix(cmd.arg, "sip:") && !strings.HasPrefix(cmd.arg, "sips:") {
			cmd.arg = "sip:" + cmd.arg
		}
	case "exit", "q":
		cmd.name = cmdQuit
	case "bye", "end":
		cmd.name = cmdHangup
	case cmdRegister, cmdAnswer, cmdHold, cmdResume, cmdHangup, cmdStatus, cmdHelp, cmdQuit:
	default:
		return command{}, fmt.Errorf("unknown command %q, type 'help'", fields[0])
	}
	if cmd.name != cmdCall && len(fields) > 1 {
		return command{}, fmt.Errorf("%s takes no arguments", cmd.name)
	}
	return cmd, nil
}
