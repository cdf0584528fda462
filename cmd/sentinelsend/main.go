// Command sentinelsend encrypts and decrypts files using the
// container format in internal/container: a 64-byte header plus
// AES-256-CBC ciphertext under a PBKDF2-derived key. Subcommands are
// encrypt and decrypt, with a classification flag and an echo-free
// password prompt.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"sentinalos/internal/container"
	"sentinalos/internal/defs"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "encrypt":
		runEncrypt(os.Args[2:])
	case "decrypt":
		runDecrypt(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sentinelsend encrypt -in F -out F [-class LEVEL]")
	fmt.Fprintln(os.Stderr, "       sentinelsend decrypt -in F -out F")
}

func runEncrypt(args []string) {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	in := fs.String("in", "", "plaintext input file")
	out := fs.String("out", "", "container output file")
	class := fs.String("class", "UNCLASSIFIED", "classification level")
	fs.Parse(args)

	cls, err := parseLevel(*class)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	plaintext, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	password := readPassword("password: ")
	data, rc := container.Encrypt(plaintext, password, cls)
	if rc != 0 {
		fmt.Fprintln(os.Stderr, "encrypt:", rc)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDecrypt(args []string) {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	in := fs.String("in", "", "container input file")
	out := fs.String("out", "", "plaintext output file")
	fs.Parse(args)

	data, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	password := readPassword("password: ")
	plain, hdr, rc := container.Decrypt(data, password)
	if rc != 0 {
		fmt.Fprintln(os.Stderr, "decrypt:", rc)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "classification: %s\n", hdr.Classification)
	if err := os.WriteFile(*out, plain, 0o600); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLevel(s string) (defs.Level, error) {
	switch s {
	case "UNCLASSIFIED":
		return defs.Unclassified, nil
	case "CONFIDENTIAL":
		return defs.Confidential, nil
	case "SECRET":
		return defs.Secret, nil
	case "TOP_SECRET":
		return defs.TopSecret, nil
	case "PENTAGON":
		return defs.Pentagon, nil
	default:
		return 0, fmt.Errorf("unknown classification %q", s)
	}
}

func readPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading password:", err)
		os.Exit(1)
	}
	return string(b)
}
