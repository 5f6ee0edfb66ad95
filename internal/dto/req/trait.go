package req

type IdentityTraitURI struct {
	EnvKey     string `uri:"env_key" binding:"required"`
	Identifier string `uri:"identifier" binding:"required"`
}

type DeleteTraitURI struct {
	EnvKey     string `uri:"env_key" binding:"required"`
	Identifier string `uri:"identifier" binding:"required"`
	TraitKey   string `uri:"trait_key" binding:"required"`
}

type DeleteTraitQuery struct {
	DeleteAllMatching bool `form:"deleteAllMatchingTraits"`
}

type ListTraitsQuery struct {
	Identifier string `form:"identifier" binding:"required"`
}
