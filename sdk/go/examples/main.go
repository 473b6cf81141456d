package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"CredProof/sdk/go/credproof"
)

func main() {
	server := flag.String("server", "http://127.0.0.1:8080", "CredProof API base URL")
	out := flag.String("out", "", "write the signed content to this path")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: examples [-server URL] [-out PATH] FILE")
		os.Exit(2)
	}

	content, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		panic(err)
	}

	client := credproof.NewClient(*server, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	signed, err := client.Sign(ctx, content, credproof.Assertion{Label: "org.example.source", Value: flag.Arg(0)})
	if err != nil {
		panic(err)
	}
	fmt.Printf("signed %s: proof=%s embedding=%s\n", flag.Arg(0), signed.ProofReference, signed.EmbeddingStatus)

	if *out != "" {
		if err := os.WriteFile(*out, signed.SignedContent, 0o644); err != nil {
			panic(err)
		}
	}

	result, err := client.Verify(ctx, signed.SignedContent)
	if err != nil {
		panic(err)
	}
	fmt.Printf("verified: trust_score=%d level=%s binding=%s\n", result.TrustScore, result.Level, result.Binding)
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}
