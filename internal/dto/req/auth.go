package req

// LoginReq carries the operator credentials set by auth.admin_username and
// auth.admin_password.
type LoginReq struct {
	Username string `json:"username" binding:"required,max=150"`
	Password string `json:"password" binding:"required"`
}

type RefreshReq struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}
