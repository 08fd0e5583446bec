// lskv is a command line tool for inspecting and maintaining lskv
// environments.
package main

func main() {
	Execute()
}
