package levin

// Status values are the return-code taxonomy carried on RESPONSE frames'
// return_code field and returned from synchronous Invoke calls.
const (
	StatusOK                          int32 = 0
	StatusConnection                  int32 = -1
	StatusConnectionNotFound          int32 = -2
	StatusConnectionDestroyed         int32 = -3
	StatusConnectionTimedOut          int32 = -4
	StatusConnectionNoDuplexProtocol  int32 = -5
	StatusConnectionHandlerNotDefined int32 = -6
	StatusFormat                      int32 = -7
)
