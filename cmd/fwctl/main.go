package main

import "github.com/SoarinFerret/FamilyWarden/cmd/fwctl/arg"

func main() {
	arg.Execute()
}
