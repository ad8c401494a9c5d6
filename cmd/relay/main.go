package main

import (
	"log"

	"github.com/kristzz/kursadarbs/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
