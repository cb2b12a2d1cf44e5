package main

import "strings"

// Echo is the service served by "atomrpc serve".
type Echo struct{}

func (e *Echo) Echo(args *string, reply *string) error {
	*reply = *args
	return nil
}

func (e *Echo) Upper(args *string, reply *string) error {
	*reply = strings.ToUpper(*args)
	return nil
}
