package agent

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// CreditBalanceRequest handles GET /credits/{user_id}. An unknown user is
// seeded with the initial balance rather than 404ing, so a balance query is
// always answerable.
func (s *HTTPServer) CreditBalanceRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	userID := mux.Vars(req)["user_id"]
	if !structs.ValidUserID(userID) {
		return nil, CodedError(400, "invalid user_id: "+userID)
	}

	ledger := s.agent.server.Ledger()
	if err := ledger.EnsureUser(userID); err != nil {
		return nil, err
	}
	balance, err := ledger.Balance(userID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"user_id":   userID,
		"balance":   balance,
		"timestamp": epochNow(),
	}, nil
}
