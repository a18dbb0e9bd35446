package redis

// TransactionResponse parses response of EXEC command, returns array of answers.
func TransactionResponse(res interface{}) ([]interface{}, error) {
	if arr, ok := res.([]interface{}); ok {
		return arr, nil
	}
	if res == nil {
		res = ErrExecEmpty.NewWithNoMessage()
	}
	if _, ok := res.(error); !ok {
		res = ErrResponseUnexpected.NewWithNoMessage().WithProperty(EKResponse, res)
	}
	return nil, res.(error)
}
