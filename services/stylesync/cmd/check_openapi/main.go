// check_openapi verifies that api/openapi.yaml documents every stylesync
// route and the JSON error envelope the server writes.
package main

import (
	"errors"
	"fmt"
	"os"
)

const defaultDocPath = "services/stylesync/api/openapi.yaml"

func main() {
	path := defaultDocPath
	switch len(os.Args) {
	case 1:
	case 2:
		path = os.Args[1]
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [openapi.yaml]\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(path)
	if err != nil {
		exitErr(err)
	}
	if errs := check(doc); len(errs) > 0 {
		exitErr(errors.Join(errs...))
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
