package main

import (
	"strconv"
	"strings"
)

// counter is a boolean flag that counts its occurrences, as in -v -v.
type counter int

func (c *counter) String() string { return strconv.Itoa(int(*c)) }

func (c *counter) Set(s string) error {
	if s == "" || s == "true" {
		*c++
		return nil
	}
	if s == "false" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*c += counter(n)
	return nil
}

func (c *counter) IsBoolFlag() bool { return true }

// list collects a repeatable flag. A single value may also hold several
// comma-separated entries, which is how environment variables supply them.
type list []string

func (l *list) String() string { return strings.Join(*l, ",") }

func (l *list) Set(s string) error {
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l = append(*l, v)
		}
	}
	return nil
}
