package ledger

// key codes for the ledger's part of a chain database
const (
	codeNullifier      byte = 10
	codeBalance        byte = 11
	codePendingSeq     byte = 12
	codePending        byte = 13
	codeProcessedDelta byte = 14
	codeSupply         byte = 15
	codeSettlement     byte = 16
)
