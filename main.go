//go:build !test

package main

import (
	"log"

	"github.com/armhv/armhv/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
