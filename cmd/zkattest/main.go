// Command zkattest is the operator and prover client for the attestation core.
package main

func main() {
	Execute()
}
