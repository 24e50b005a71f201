package staff

import "errors"

var (
	ErrStaffNotFound      = errors.New("staff member not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Staff struct {
	EmpID    string `json:"empId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Password string `json:"-"`
}

type RegisterRequest struct {
	EmpID    string `json:"empId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

type LoginRequest struct {
	EmpID    string `json:"empId"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	EmpID       string `json:"empId"`
	Username    string `json:"username"`
	Role        string `json:"role"`
}
