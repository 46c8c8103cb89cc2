package database

type Repository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	CreateMessage(msg Message) (Message, error)
	GetRecentMessages(roomId string, limit int) ([]Message, error)
	CreateCall(call Call) error
	GetCall(callId string) (Call, error)
	UpdateCallStatus(params UpdateCallStatusParams) (int64, error)
	ListCallsForUser(accountId, limit, offset int) ([]Call, error)
}
