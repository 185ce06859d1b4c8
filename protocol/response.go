package protocol

type Response struct {
	RequestID RequestID
	Cookie    []byte
}
