package main

import (
	"fmt"
	"sort"
	"strings"
)

type CommandHandler struct {
	items map[string]func(args []string) error
}

func NewCommandHandler() *CommandHandler {
	return &CommandHandler{
		items: make(map[string]func(args []string) error),
	}
}

func (ch *CommandHandler) Add(name string, handler func(args []string) error) {
	ch.items[name] = handler
}

func (ch *CommandHandler) Names() []string {
	var result = make([]string, 0, len(ch.items))
	for name := range ch.items {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Execute runs the command named by the first argument with the remaining arguments.
func (ch *CommandHandler) Execute(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("command expected, one of %v", strings.Join(ch.Names(), ", "))
	}
	handler, found := ch.items[args[0]]
	if !found {
		return fmt.Errorf("command not found %v", args[0])
	}
	return handler(args[1:])
}
