package relay

// key codes for the relay's part of a chain database
const (
	codeProcessed   byte = 30
	codeOutboxSeq   byte = 31
	codeOutbox      byte = 32
	codeOutboxIndex byte = 33
	codeDeployment  byte = 34
)
