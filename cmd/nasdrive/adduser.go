package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"nasdrive/internal/credentials"
	"nasdrive/internal/fsutil"
)

// addUserCmd appends a bcrypt record to the users file. The password is
// prompted for twice on a terminal, or read as one line from a pipe.
func addUserCmd(args []string, in *os.File, out io.Writer) error {
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	fs.SetOutput(out)
	var (
		users   = fs.String("users", "./users.txt", "credential file")
		root    = fs.String("root", "./storage", "storage root, used with -mkdir")
		mkdir   = fs.Bool("mkdir", false, "create the user's root directory")
		cost    = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
		allowed = fs.String("whitelist", "", "complete set of characters allowed in names (empty: built-in set)")
		maxLen  = fs.Int("name-length", fsutil.DefaultNameLength, "maximum name length, bytes")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(out, "usage: nasdrive adduser [flags] <username>")
		return errors.New("missing username")
	}
	username := fs.Arg(0)
	// the name doubles as a directory under the storage root
	if err := fsutil.NewNameValidator(*allowed, *maxLen).Check(username); err != nil {
		return fmt.Errorf("username %q: %w", username, err)
	}
	if strings.Contains(username, ";") {
		return fmt.Errorf("username %q: contains ';'", username)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		return fmt.Errorf("invalid cost %d (min=%d max=%d)", *cost, bcrypt.MinCost, bcrypt.MaxCost)
	}

	password, err := promptPassword(in, out)
	if err != nil {
		return err
	}
	hash, err := credentials.HashPassword(password, *cost)
	if err != nil {
		return fmt.Errorf("bcrypt: %w", err)
	}
	if err := credentials.AppendRecord(*users, username, hash); err != nil {
		return err
	}
	fmt.Fprintf(out, "added %s to %s\n", username, *users)

	if *mkdir {
		dir := filepath.Join(*root, username)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s\n", dir)
	}
	return nil
}

func promptPassword(in *os.File, out io.Writer) (string, error) {
	if !term.IsTerminal(int(in.Fd())) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("read password: %w", err)
		}
		pw := strings.TrimRight(line, "\r\n")
		if pw == "" {
			return "", errors.New("empty password")
		}
		return pw, nil
	}

	fmt.Fprint(out, "Password: ")
	first, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	fmt.Fprint(out, "Repeat: ")
	second, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	if len(first) == 0 {
		return "", errors.New("empty password")
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}
