package database

import (
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) CreateMessage(msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetRecentMessages(roomId string, limit int) ([]Message, error) {
	args := m.Called(roomId, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) CreateCall(call Call) error {
	args := m.Called(call)
	return args.Error(0)
}
func (m *MockRepository) GetCall(callId string) (Call, error) {
	args := m.Called(callId)
	return args.Get(0).(Call), args.Error(1)
}
func (m *MockRepository) UpdateCallStatus(params UpdateCallStatusParams) (int64, error) {
	args := m.Called(params)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) ListCallsForUser(accountId, limit, offset int) ([]Call, error) {
	args := m.Called(accountId, limit, offset)
	if calls, ok := args.Get(0).([]Call); ok {
		return calls, args.Error(1)
	}
	return nil, args.Error(1)
}
